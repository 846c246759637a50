// Package audit keeps an append-only trail of the decisions that matter
// after the fact: approval outcomes, job spawns and kills, conversation
// resets. Every record lands in logs/audit.jsonl and in a sqlite table so
// it survives log rotation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-valet/internal/shared"
)

// Recorded actions.
const (
	ActionApprovalAllow     = "approval.allow"
	ActionApprovalDeny      = "approval.deny"
	ActionJobSpawn          = "job.spawn"
	ActionJobKill           = "job.kill"
	ActionConversationReset = "conversation.reset"
)

type entry struct {
	Timestamp      string `json:"timestamp"`
	Action         string `json:"action"`
	Subject        string `json:"subject"`
	Detail         string `json:"detail,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	d, err := sql.Open("sqlite3", filepath.Join(logDir, "audit.db"))
	if err != nil {
		f.Close()
		return err
	}
	if _, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			subject TEXT NOT NULL,
			detail TEXT,
			conversation_id TEXT
		);
	`); err != nil {
		f.Close()
		d.Close()
		return err
	}

	file = f
	db = d
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if db != nil {
		_ = db.Close()
		db = nil
	}
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of approval denials since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. Subject identifies what was acted on: a
// tool name for approvals, a job id for job actions.
func Record(action, subject, detail, conversationID string) {
	if action == ActionApprovalDeny {
		denyCount.Add(1)
	}

	// Secrets never reach disk.
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if file != nil {
		ev := entry{
			Timestamp:      ts,
			Action:         action,
			Subject:        subject,
			Detail:         detail,
			ConversationID: conversationID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (timestamp, action, subject, detail, conversation_id)
			VALUES (?, ?, ?, ?, ?);
		`, ts, action, subject, detail, conversationID)
	}
}
