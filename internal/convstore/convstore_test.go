package convstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	st := State{
		ContinuationHandle: "sess-123",
		History: []Message{
			{Role: RoleUser, Content: "hello", Timestamp: now},
			{Role: RoleAssistant, Content: "hi there", Timestamp: now.Add(time.Second)},
		},
	}
	if err := s.Save("tg:42", st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := s.Load("tg:42")
	if got.ContinuationHandle != "sess-123" {
		t.Fatalf("handle = %q, want sess-123", got.ContinuationHandle)
	}
	if len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.History))
	}
	for i := range st.History {
		if got.History[i].Role != st.History[i].Role || got.History[i].Content != st.History[i].Content {
			t.Fatalf("history[%d] = %+v, want %+v", i, got.History[i], st.History[i])
		}
	}
}

func TestLoad_MissingIsEmpty(t *testing.T) {
	s := newStore(t)
	st := s.Load("never-seen")
	if st.ContinuationHandle != "" || len(st.History) != 0 {
		t.Fatalf("expected empty state, got %+v", st)
	}
}

func TestLoad_MalformedIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "conversations", "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := s.Load("bad")
	if len(st.History) != 0 {
		t.Fatalf("expected empty state for malformed record, got %+v", st)
	}
}

func TestMutate_AppendsAndPersists(t *testing.T) {
	s := newStore(t)

	_, err := s.Mutate("c1", func(st *State) {
		st.History = append(st.History, Message{Role: RoleUser, Content: "first", Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	_, err = s.Mutate("c1", func(st *State) {
		st.History = append(st.History, Message{Role: RoleAssistant, Content: "second", Timestamp: time.Now()})
		st.ContinuationHandle = "h-9"
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	got := s.Load("c1")
	if len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(got.History))
	}
	if got.History[0].Content != "first" || got.History[1].Content != "second" {
		t.Fatalf("unexpected ordering: %+v", got.History)
	}
	if got.ContinuationHandle != "h-9" {
		t.Fatalf("handle = %q, want h-9", got.ContinuationHandle)
	}
}

func TestReset_RemovesRecord(t *testing.T) {
	s := newStore(t)
	if err := s.Save("c2", State{ContinuationHandle: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Reset("c2"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st := s.Load("c2"); st.ContinuationHandle != "" {
		t.Fatalf("expected fresh state after reset, got %+v", st)
	}
	// Resetting a missing record is not an error.
	if err := s.Reset("c2"); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestPath_SanitizesConversationID(t *testing.T) {
	s := newStore(t)
	if err := s.Save("tg:42/../evil", State{ContinuationHandle: "ok"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := s.Load("tg:42/../evil")
	if got.ContinuationHandle != "ok" {
		t.Fatalf("round trip through sanitized path failed: %+v", got)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Fatalf("unexpected file %q", e.Name())
		}
	}
}
