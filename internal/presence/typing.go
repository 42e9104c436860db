package presence

import (
	"sort"
	"sync"
)

// TypingTracker records which participants are composing a message in each
// topic. Keys are participant identifiers, not connection ids, so an
// authenticated user is attributed consistently across reconnects.
//
// Entries are cleared by an explicit stop signal, by the participant sending
// a message, or by the disconnect path; the server does not expire them on
// its own.
type TypingTracker struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{}
}

// NewTypingTracker creates an empty TypingTracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		topics: make(map[string]map[string]struct{}),
	}
}

// Set records or clears a participant's typing flag for a topic. Returns
// true if the topic's typing set changed.
func (t *TypingTracker) Set(topic, participantID string, typing bool) bool {
	if !typing {
		return t.Clear(topic, participantID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.topics[topic] == nil {
		t.topics[topic] = make(map[string]struct{})
	}
	if _, ok := t.topics[topic][participantID]; ok {
		return false
	}
	t.topics[topic][participantID] = struct{}{}
	return true
}

// Clear removes a participant's typing flag for a topic. Returns true if
// the flag was set.
func (t *TypingTracker) Clear(topic, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	typers, ok := t.topics[topic]
	if !ok {
		return false
	}
	if _, ok := typers[participantID]; !ok {
		return false
	}
	delete(typers, participantID)
	if len(typers) == 0 {
		delete(t.topics, topic)
	}
	return true
}

// Active returns the ids of participants currently typing in a topic,
// sorted for stable broadcasts.
func (t *TypingTracker) Active(topic string) []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.topics[topic]))
	for id := range t.topics[topic] {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}
