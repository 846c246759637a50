// Package convstore persists per-conversation state: the message history
// and the engine continuation handle. One JSON file per conversation under
// ~/.valet/conversations/.
package convstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation's history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the durable record for one conversation.
type State struct {
	// ContinuationHandle is the engine's opaque resume token. Empty means
	// the next turn starts fresh.
	ContinuationHandle string    `json:"continuation_handle,omitempty"`
	History            []Message `json:"history"`
}

// Store reads and writes conversation records. Access is serialized; in
// practice each conversation is only touched by its own turn.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

func New(homeDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(homeDir, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Load returns the state for a conversation. A missing or unreadable record
// yields an empty state rather than an error, so a corrupt file never blocks
// the conversation.
func (s *Store) Load(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(conversationID)
}

func (s *Store) loadLocked(conversationID string) State {
	data, err := os.ReadFile(s.path(conversationID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("conversation record unreadable, starting fresh",
				"conversation_id", conversationID, "error", err)
		}
		return State{}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("conversation record malformed, starting fresh",
			"conversation_id", conversationID, "error", err)
		return State{}
	}
	return st
}

// Save replaces the conversation record wholesale. The write goes through a
// temp file and rename so a reader never observes a partial record.
func (s *Store) Save(conversationID string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(conversationID, st)
}

func (s *Store) saveLocked(conversationID string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", conversationID, err)
	}
	path := s.path(conversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write conversation %s: %w", conversationID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename conversation %s: %w", conversationID, err)
	}
	return nil
}

// Mutate applies fn to the current state under the store lock and saves the
// result. Turn handling uses this to keep the read-modify-write atomic.
func (s *Store) Mutate(conversationID string, fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loadLocked(conversationID)
	fn(&st)
	if err := s.saveLocked(conversationID, st); err != nil {
		return st, err
	}
	return st, nil
}

// Reset deletes the conversation record. Missing records are fine.
func (s *Store) Reset(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(conversationID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset conversation %s: %w", conversationID, err)
	}
	return nil
}

// path maps a conversation id to its record file. IDs come from the front
// end and may contain separators, so everything outside [A-Za-z0-9_-] is
// mapped to '_'.
func (s *Store) path(conversationID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, conversationID)
	return filepath.Join(s.dir, safe+".json")
}
