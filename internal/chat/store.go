package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the interface for message persistence backends.
//
// Append validates the text, assigns an id and timestamp, and writes the
// message durably; on failure it returns an error wrapping ErrUnavailable
// and leaves no partial write. Recent returns up to limit of the newest
// unexpired messages for a topic in ascending chronological order; unknown
// topics yield an empty result, not an error.
type Store interface {
	Append(ctx context.Context, topic string, author Author, text string) (*Message, error)
	Recent(ctx context.Context, topic string, limit int) ([]*Message, error)
	Close() error
}

const (
	// memoryMaxPerTopic bounds memory use per topic independently of the
	// retention window.
	memoryMaxPerTopic = 1000

	// memorySweepInterval is how often the expiry sweep runs.
	memorySweepInterval = 10 * time.Minute
)

// MemoryStore keeps messages per topic in memory. Suitable for development
// and tests; contents are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	topics    map[string][]*Message
	retention time.Duration
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMemoryStore creates a memory store that retains messages for the given
// window and sweeps expired ones in the background.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	s := &MemoryStore{
		topics:    make(map[string][]*Message),
		retention: retention,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Append adds a message to the topic's log.
func (s *MemoryStore) Append(_ context.Context, topic string, author Author, text string) (*Message, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Text:       text,
		CreatedAt:  s.now(),
	}

	s.mu.Lock()
	msgs := append(s.topics[topic], msg)
	if len(msgs) > memoryMaxPerTopic {
		msgs = msgs[len(msgs)-memoryMaxPerTopic:]
	}
	s.topics[topic] = msgs
	s.mu.Unlock()

	return msg, nil
}

// Recent returns up to limit of the newest unexpired messages for a topic,
// oldest first.
func (s *MemoryStore) Recent(_ context.Context, topic string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	cutoff := s.now().Add(-s.retention)

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.topics[topic]
	// Skip expired messages; the slice is in insertion order, so the live
	// suffix starts at the first message past the cutoff.
	start := 0
	for start < len(msgs) && !msgs[start].CreatedAt.After(cutoff) {
		start++
	}
	live := msgs[start:]
	if len(live) > limit {
		live = live[len(live)-limit:]
	}

	result := make([]*Message, len(live))
	copy(result, live)
	return result, nil
}

// Sweep removes expired messages from every topic.
func (s *MemoryStore) Sweep() {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, msgs := range s.topics {
		start := 0
		for start < len(msgs) && !msgs[start].CreatedAt.After(cutoff) {
			start++
		}
		if start == len(msgs) {
			delete(s.topics, topic)
			continue
		}
		if start > 0 {
			s.topics[topic] = append([]*Message(nil), msgs[start:]...)
		}
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
