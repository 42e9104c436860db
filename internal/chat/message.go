package chat

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxTextLength is the maximum length of a message body after trimming,
	// counted in runes.
	MaxTextLength = 2000

	// MaxNameLength is the maximum length of a display name.
	MaxNameLength = 100

	// HistoryLimit is the default and maximum number of messages returned
	// for a topic's history.
	HistoryLimit = 100

	// DefaultRetention is how long messages are kept before a sweep may
	// remove them.
	DefaultRetention = 30 * 24 * time.Hour

	// AnonymousName is used when a participant supplies no display name.
	AnonymousName = "Anonymous"
)

var (
	// ErrEmptyText is returned when a message body is empty after trimming.
	ErrEmptyText = errors.New("chat: message text is required")

	// ErrTextTooLong is returned when a message body exceeds MaxTextLength.
	ErrTextTooLong = errors.New("chat: message text exceeds maximum length")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Appends that fail with it leave no partial write behind.
	ErrUnavailable = errors.New("chat: message store unavailable")
)

// Author identifies who wrote a message. ID is empty for anonymous authors.
type Author struct {
	ID   string
	Name string
}

// Message is one persisted chat entry. Immutable once created; ordering
// within a topic is by CreatedAt with ties broken by insertion order.
type Message struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidateText trims the message body and checks it against the length
// bounds. Returns the trimmed text.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}

// SanitizeName normalizes untrusted client-supplied display names: control
// characters are stripped, surrounding whitespace removed, the result
// truncated to MaxNameLength runes. Empty names become AnonymousName.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" {
		return AnonymousName
	}
	runes := []rune(name)
	if len(runes) > MaxNameLength {
		name = string(runes[:MaxNameLength])
	}
	return name
}
