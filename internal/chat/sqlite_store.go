package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// sqliteSweepInterval is how often expired rows are deleted.
const sqliteSweepInterval = time.Hour

// storedMessage is the chat_messages row. The autoincrement seq column
// breaks ordering ties between rows with identical timestamps.
type storedMessage struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	MessageID  string    `gorm:"size:36;uniqueIndex"`
	Topic      string    `gorm:"size:128;index:idx_topic_created,priority:1"`
	AuthorID   string    `gorm:"size:36"`
	AuthorName string    `gorm:"size:100"`
	Text       string    `gorm:"size:2000"`
	CreatedAt  time.Time `gorm:"index:idx_topic_created,priority:2"`
}

func (storedMessage) TableName() string {
	return "chat_messages"
}

func (r *storedMessage) message() *Message {
	return &Message{
		ID:         r.MessageID,
		Topic:      r.Topic,
		AuthorID:   r.AuthorID,
		AuthorName: r.AuthorName,
		Text:       r.Text,
		CreatedAt:  r.CreatedAt,
	}
}

// SQLiteStore persists messages in SQLite through gorm. This is the durable
// backend; expired rows are removed by a background sweep.
type SQLiteStore struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewSQLiteStore migrates the schema and starts the expiry sweep. The
// *gorm.DB is owned by the caller.
func NewSQLiteStore(db *gorm.DB, retention time.Duration) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&storedMessage{}); err != nil {
		return nil, fmt.Errorf("chat: migrate chat_messages: %w", err)
	}
	s := &SQLiteStore{
		db:        db,
		retention: retention,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Append inserts a message row. The insert is a single statement, so a
// failure leaves no partial write.
func (s *SQLiteStore) Append(ctx context.Context, topic string, author Author, text string) (*Message, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, err
	}

	rec := &storedMessage{
		MessageID:  uuid.NewString(),
		Topic:      topic,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Text:       text,
		CreatedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec.message(), nil
}

// Recent returns up to limit of the newest unexpired messages for a topic,
// oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, topic string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	cutoff := s.now().Add(-s.retention)

	var rows []storedMessage
	err := s.db.WithContext(ctx).
		Where("topic = ? AND created_at > ?", topic, cutoff).
		Order("created_at DESC").
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// rows is newest-first; reverse into chronological order.
	msgs := make([]*Message, len(rows))
	for i := range rows {
		msgs[len(rows)-1-i] = rows[i].message()
	}
	return msgs, nil
}

// Sweep deletes rows older than the retention window.
func (s *SQLiteStore) Sweep() error {
	cutoff := s.now().Add(-s.retention)
	res := s.db.Where("created_at <= ?", cutoff).Delete(&storedMessage{})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("chat: swept %d expired messages", res.RowsAffected)
	}
	return nil
}

// Close stops the background sweep.
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *SQLiteStore) sweepLoop() {
	ticker := time.NewTicker(sqliteSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				log.Printf("chat: sweep failed: %v", err)
			}
		}
	}
}
