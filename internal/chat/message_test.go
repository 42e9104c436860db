package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateTextTrims(t *testing.T) {
	text, err := ValidateText("  hello  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello" {
		t.Errorf("expected trimmed text 'hello', got %q", text)
	}
}

func TestValidateTextEmpty(t *testing.T) {
	if _, err := ValidateText("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestValidateTextTooLong(t *testing.T) {
	if _, err := ValidateText(strings.Repeat("x", MaxTextLength+1)); !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("expected ErrTextTooLong, got %v", err)
	}
}

func TestValidateTextCountsRunes(t *testing.T) {
	// Multi-byte text within the rune limit must pass even though its byte
	// length exceeds it.
	text := strings.Repeat("宇", MaxTextLength)
	if _, err := ValidateText(text); err != nil {
		t.Fatalf("unexpected error for %d-rune text: %v", MaxTextLength, err)
	}
	if _, err := ValidateText(text + "宙"); !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("expected ErrTextTooLong past the rune limit, got %v", err)
	}
}

func TestValidateTextAtLimit(t *testing.T) {
	text := strings.Repeat("x", MaxTextLength)
	got, err := ValidateText(text)
	if err != nil {
		t.Fatalf("unexpected error at limit: %v", err)
	}
	if got != text {
		t.Error("text at limit should pass through unchanged")
	}
}

func TestSanitizeNameDefaults(t *testing.T) {
	if got := SanitizeName(""); got != AnonymousName {
		t.Errorf("expected %q for empty name, got %q", AnonymousName, got)
	}
	if got := SanitizeName("   "); got != AnonymousName {
		t.Errorf("expected %q for whitespace name, got %q", AnonymousName, got)
	}
}

func TestSanitizeNameStripsControlChars(t *testing.T) {
	if got := SanitizeName("al\x00ice\n"); got != "alice" {
		t.Errorf("expected 'alice', got %q", got)
	}
}

func TestSanitizeNameTruncates(t *testing.T) {
	got := SanitizeName(strings.Repeat("a", MaxNameLength+50))
	if len([]rune(got)) != MaxNameLength {
		t.Errorf("expected name truncated to %d runes, got %d", MaxNameLength, len([]rune(got)))
	}
}
