package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-valet/internal/approval"
	"github.com/basket/go-valet/internal/config"
)

// AttemptRequest describes one engine invocation.
type AttemptRequest struct {
	ConversationID string
	Prompt         string
	SystemPreamble string
	Model          string
	AllowPrompts   bool
	// ContinuationHandle resumes server-side context. Empty starts fresh.
	ContinuationHandle string
	Timeout            time.Duration
}

// AttemptResult is what a completed (non-crashed) attempt produced.
type AttemptResult struct {
	Text string
	// ContinuationHandle is the engine's announced session identity, empty
	// if the engine never announced one.
	ContinuationHandle string
}

// Runner executes a single engine attempt. The process-backed implementation
// is ProcessRunner; tests substitute their own.
type Runner interface {
	RunAttempt(ctx context.Context, req AttemptRequest, onDelta func(accumulated string)) (AttemptResult, error)
}

// ProcessRunner invokes the engine binary and consumes its stream-json
// event output, answering permission control requests through the broker.
type ProcessRunner struct {
	cfg     config.EngineConfig
	homeDir string
	logger  *slog.Logger
	broker  *approval.Broker
}

func NewProcessRunner(cfg config.EngineConfig, homeDir string, logger *slog.Logger, broker *approval.Broker) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{cfg: cfg, homeDir: homeDir, logger: logger, broker: broker}
}

func (r *ProcessRunner) RunAttempt(ctx context.Context, req AttemptRequest, onDelta func(accumulated string)) (AttemptResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.TurnTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, r.cfg.Args...)
	args = append(args, "-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ContinuationHandle != "" {
		args = append(args, "--resume", req.ContinuationHandle)
	}
	if req.SystemPreamble != "" {
		args = append(args, "--append-system-prompt", req.SystemPreamble)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	} else {
		cmd.Dir = r.homeDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return AttemptResult{}, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return AttemptResult{}, fmt.Errorf("engine stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return AttemptResult{}, fmt.Errorf("engine stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return AttemptResult{}, fmt.Errorf("start engine: %w", err)
	}

	// Keep the last chunk of stderr for crash diagnostics.
	var stderrMu sync.Mutex
	var stderrTail string
	go func() {
		buf := make([]byte, 2048)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				stderrMu.Lock()
				stderrTail = strings.TrimSpace(string(buf[:n]))
				stderrMu.Unlock()
			}
			if rerr != nil {
				return
			}
		}
	}()

	var (
		result      AttemptResult
		accumulated strings.Builder
		finalResult string
		sawDelta    bool
		sawResult   bool

		// stdinMu serializes control responses with the final stdin close.
		stdinMu   sync.Mutex
		controlWG sync.WaitGroup
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
scan:
	for scanner.Scan() {
		msg, ok := parseEngineMessage(scanner.Text())
		if !ok {
			continue
		}
		switch msg.Type {
		case "system":
			if msg.Subtype == "init" && msg.SessionID != "" {
				result.ContinuationHandle = msg.SessionID
			}
		case "stream_event":
			if msg.Event != nil && msg.Event.Delta != nil && msg.Event.Delta.Type == "text_delta" && msg.Event.Delta.Text != "" {
				sawDelta = true
				accumulated.WriteString(msg.Event.Delta.Text)
				if onDelta != nil {
					onDelta(accumulated.String())
				}
			}
		case "assistant":
			// With partial streaming active the same text already arrived as
			// deltas; only use assistant messages when no deltas were seen.
			if sawDelta {
				continue
			}
			for _, c := range msg.Message.Content {
				if c.Type == "text" && c.Text != "" {
					accumulated.WriteString(c.Text)
					if onDelta != nil {
						onDelta(accumulated.String())
					}
				}
			}
		case "result":
			if msg.SessionID != "" {
				result.ContinuationHandle = msg.SessionID
			}
			finalResult = msg.Result
			sawResult = true
			// The result event is the turn's final word.
			break scan
		case "control_request":
			// Answered off the scan loop so a pending approval blocks only
			// that tool call, never the rest of the turn's events.
			controlWG.Add(1)
			go func(msg *engineMessage) {
				defer controlWG.Done()
				r.answerControlRequest(ctx, &stdinMu, stdin, req, msg)
			}(msg)
		}
	}
	scanErr := scanner.Err()
	if sawResult {
		scanErr = nil
		// Drain anything the engine writes after its result so it can exit.
		go func() { _, _ = io.Copy(io.Discard, stdout) }()
	}
	stdinMu.Lock()
	_ = stdin.Close()
	stdinMu.Unlock()

	waitErr := cmd.Wait()
	// The engine is gone; cancel any approval still pending so the control
	// goroutines unwind instead of waiting out the broker timeout.
	cancel()
	controlWG.Wait()
	if waitErr != nil {
		exitCode := -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		stderrMu.Lock()
		tail := stderrTail
		stderrMu.Unlock()
		return AttemptResult{}, &CrashError{ExitCode: exitCode, Stderr: tail}
	}
	if scanErr != nil {
		return AttemptResult{}, fmt.Errorf("read engine output: %w", scanErr)
	}

	if finalResult != "" {
		result.Text = finalResult
	} else {
		result.Text = accumulated.String()
	}
	return result, nil
}

// answerControlRequest resolves a permission check. Attempts with prompts
// disabled deny without consulting the broker, so a degraded retry can never
// block on a human.
func (r *ProcessRunner) answerControlRequest(ctx context.Context, mu *sync.Mutex, stdin io.Writer, req AttemptRequest, msg *engineMessage) {
	if msg.Request == nil || msg.Request.Subtype != "can_use_tool" {
		r.writeControl(mu, stdin, denyResponse(msg.RequestID, "unsupported control request"))
		return
	}
	tool := msg.Request.ToolName
	if !req.AllowPrompts && !r.broker.Policy().PreApproved(tool) {
		r.logger.Info("tool denied, prompts disabled on this attempt",
			"tool", tool, "conversation_id", req.ConversationID)
		r.writeControl(mu, stdin, denyResponse(msg.RequestID, "permission prompts disabled for this attempt"))
		return
	}

	decision := r.broker.Request(ctx, approval.Request{
		ID:             msg.RequestID,
		Tool:           tool,
		Summary:        approval.SummarizeInput(tool, msg.Request.Input),
		ConversationID: req.ConversationID,
	})
	if decision.Allow {
		r.writeControl(mu, stdin, allowResponse(msg.RequestID))
		return
	}
	reason := decision.Reason
	if reason == "" {
		reason = "denied"
	}
	r.writeControl(mu, stdin, denyResponse(msg.RequestID, reason))
}

func (r *ProcessRunner) writeControl(mu *sync.Mutex, w io.Writer, resp controlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("marshal control response", "error", err)
		return
	}
	mu.Lock()
	_, err = w.Write(append(data, '\n'))
	mu.Unlock()
	if err != nil {
		r.logger.Warn("write control response", "error", err)
	}
}
