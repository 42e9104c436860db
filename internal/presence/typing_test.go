package presence

import (
	"reflect"
	"testing"
)

func TestTypingSetAndActive(t *testing.T) {
	tr := NewTypingTracker()

	if !tr.Set("neo-1", "u1", true) {
		t.Fatal("expected first Set to change the set")
	}
	if tr.Set("neo-1", "u1", true) {
		t.Error("expected repeated Set to report no change")
	}

	if got := tr.Active("neo-1"); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("expected [u1], got %v", got)
	}
}

func TestTypingSetFalseClears(t *testing.T) {
	tr := NewTypingTracker()

	tr.Set("neo-1", "u1", true)
	if !tr.Set("neo-1", "u1", false) {
		t.Fatal("expected Set(false) to clear the flag")
	}
	if got := tr.Active("neo-1"); len(got) != 0 {
		t.Fatalf("expected empty typing set, got %v", got)
	}
}

func TestTypingClearIdempotent(t *testing.T) {
	tr := NewTypingTracker()

	tr.Set("neo-1", "u1", true)
	if !tr.Clear("neo-1", "u1") {
		t.Fatal("expected Clear to report a change")
	}
	if tr.Clear("neo-1", "u1") {
		t.Error("expected repeated Clear to be a no-op")
	}
	if tr.Clear("never-typed", "u1") {
		t.Error("expected Clear on unknown topic to be a no-op")
	}
}

func TestTypingActiveSorted(t *testing.T) {
	tr := NewTypingTracker()

	tr.Set("neo-1", "u3", true)
	tr.Set("neo-1", "u1", true)
	tr.Set("neo-1", "u2", true)

	if got := tr.Active("neo-1"); !reflect.DeepEqual(got, []string{"u1", "u2", "u3"}) {
		t.Fatalf("expected sorted ids, got %v", got)
	}
}

func TestTypingTopicIsolation(t *testing.T) {
	tr := NewTypingTracker()

	tr.Set("neo-1", "u1", true)
	tr.Set("neo-2", "u2", true)

	if got := tr.Active("neo-1"); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("expected [u1] in neo-1, got %v", got)
	}
	tr.Clear("neo-1", "u1")
	if got := tr.Active("neo-2"); !reflect.DeepEqual(got, []string{"u2"}) {
		t.Fatalf("expected neo-2 unaffected, got %v", got)
	}
}
