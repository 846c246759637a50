package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is the durable job registry: one JSON file holding every job the
// process has ever spawned. All mutation is read-modify-write of the whole
// collection under one mutex, so concurrent mutators never interleave.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func NewStore(homeDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(homeDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "registry.json"), logger: logger}, nil
}

// loadLocked reads the whole registry. Malformed records are dropped so a
// partially written or legacy file never blocks startup.
func (s *Store) loadLocked() []Job {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("job registry unreadable, starting empty", "error", err)
		}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("job registry malformed, starting empty", "error", err)
		return nil
	}
	jobs := make([]Job, 0, len(raw))
	for _, r := range raw {
		var j Job
		if err := json.Unmarshal(r, &j); err != nil || j.ID == "" {
			s.logger.Warn("dropping malformed job record", "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs
}

func (s *Store) saveLocked(jobs []Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename job registry: %w", err)
	}
	return nil
}

// Append adds a new job record.
func (s *Store) Append(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.loadLocked()
	jobs = append(jobs, job)
	return s.saveLocked(jobs)
}

// Update applies fn to the job with the given id and persists the whole
// registry. Returns the updated job and whether it was found.
func (s *Store) Update(jobID string, fn func(*Job)) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.loadLocked()
	for i := range jobs {
		if jobs[i].ID == jobID {
			fn(&jobs[i])
			if err := s.saveLocked(jobs); err != nil {
				return jobs[i], true, err
			}
			return jobs[i], true, nil
		}
	}
	return Job{}, false, nil
}

// Get returns the job with the given id.
func (s *Store) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.loadLocked() {
		if j.ID == jobID {
			return j, true
		}
	}
	return Job{}, false
}

// List returns up to limit jobs for a conversation, newest first. An empty
// conversation id matches all jobs.
func (s *Store) List(conversationID string, limit int) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.loadLocked() {
		if conversationID == "" || j.ConversationID == conversationID {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].StartedAt.After(out[k].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
