// Package agent drives the external conversational engine: one subprocess
// per attempt, a retry ladder per turn, and durable conversation state.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-valet/internal/bus"
	"github.com/basket/go-valet/internal/config"
	"github.com/basket/go-valet/internal/convstore"
	"github.com/basket/go-valet/internal/otel"
	"github.com/basket/go-valet/internal/shared"
)

// FallbackReply is returned when the ladder is exhausted without a crash on
// every rung. It is presented to the user but never persisted as history.
const FallbackReply = "I couldn't come up with a response to that. Please try again."

// Invoker converts one user turn into one final answer by walking the
// attempt ladder until a rung produces non-empty text.
type Invoker struct {
	ladder  []config.AttemptEntry
	runner  Runner
	store   *convstore.Store
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer

	instructionsMu sync.RWMutex
	instructions   string

	// now is overridable for tests.
	now func() time.Time
}

func NewInvoker(cfg config.Config, runner Runner, store *convstore.Store, logger *slog.Logger, b *bus.Bus, metrics *otel.Metrics, tracer trace.Tracer) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		ladder:       cfg.AttemptLadder(),
		instructions: cfg.Instructions,
		runner:       runner,
		store:        store,
		logger:       logger,
		bus:          b,
		metrics:      metrics,
		tracer:       otel.TracerOrNoop(tracer),
		now:          time.Now,
	}
}

// SetInstructions swaps the persona text, used on config reload.
func (inv *Invoker) SetInstructions(text string) {
	inv.instructionsMu.Lock()
	inv.instructions = text
	inv.instructionsMu.Unlock()
}

// Invoke runs the attempt ladder for one user turn. onPartial receives the
// accumulated reply text as it streams. The returned error is non-nil only
// when the turn failed hard: every rung crashed, or a fatal invocation error
// occurred.
func (inv *Invoker) Invoke(ctx context.Context, conversationID, turnText string, onPartial func(string)) (string, error) {
	turnID := shared.NewTurnID()
	ctx = shared.WithTurnID(shared.WithConversationID(ctx, conversationID), turnID)
	logger := inv.logger.With("conversation_id", conversationID, "turn_id", turnID, "trace_id", shared.TraceID(ctx))
	started := inv.now()

	ctx, span := otel.StartSpan(ctx, inv.tracer, "turn.invoke",
		otel.AttrConversationID.String(conversationID), otel.AttrTurnID.String(turnID))
	defer span.End()

	state := inv.store.Load(conversationID)
	priorHandle := state.ContinuationHandle

	if inv.bus != nil {
		inv.bus.Publish(bus.TopicTurnStarted, bus.TurnStartedEvent{
			ConversationID: conversationID, TurnID: turnID, Text: turnText,
		})
	}

	var (
		softFailure       bool
		firstAttemptCrash bool
		capturedHandle    string
		attemptsRun       int
	)

	for i, att := range inv.ladder {
		attemptsRun = i + 1
		req := AttemptRequest{
			ConversationID: conversationID,
			Prompt:         turnText,
			SystemPreamble: inv.preamble(),
			Model:          att.Model,
			AllowPrompts:   att.AllowPrompts,
			Timeout:        time.Duration(att.TimeoutSeconds) * time.Second,
		}
		// The continuation handle rides only on the first, most capable
		// attempt; later rungs start fresh.
		if i == 0 {
			req.ContinuationHandle = priorHandle
		}

		if inv.metrics != nil {
			inv.metrics.EngineAttempts.Add(ctx, 1)
		}
		logger.Info("engine attempt", "attempt", att.Label, "model", att.Model, "resume", req.ContinuationHandle != "")

		attemptCtx, attemptSpan := otel.StartClientSpan(ctx, inv.tracer, "engine.attempt",
			otel.AttrAttempt.String(att.Label), otel.AttrModel.String(att.Model))
		res, err := inv.runner.RunAttempt(attemptCtx, req, func(accumulated string) {
			if onPartial != nil {
				onPartial(accumulated)
			}
			if inv.metrics != nil {
				inv.metrics.StreamEdits.Add(ctx, 1)
			}
			if inv.bus != nil {
				inv.bus.Publish(bus.TopicTurnPartial, bus.TurnPartialEvent{
					ConversationID: conversationID, TurnID: turnID, Text: accumulated,
				})
			}
		})
		if err != nil {
			attemptSpan.RecordError(err)
		}
		attemptSpan.End()
		if err != nil {
			if IsCrash(err) {
				if i == 0 {
					firstAttemptCrash = true
				}
				if inv.metrics != nil {
					inv.metrics.EngineCrashes.Add(ctx, 1)
				}
				logger.Warn("engine attempt crashed", "attempt", att.Label, "error", err)
				continue
			}
			// Fatal: abort the whole turn, keeping the user's message.
			inv.persistFailedTurn(conversationID, turnText, priorHandle, firstAttemptCrash)
			inv.publishFailed(conversationID, turnID, err.Error())
			logger.Error("turn aborted", "attempt", att.Label, "error", err)
			return "", fmt.Errorf("engine attempt %s: %w", att.Label, err)
		}

		if res.ContinuationHandle != "" {
			capturedHandle = res.ContinuationHandle
		}
		if strings.TrimSpace(res.Text) == "" {
			softFailure = true
			logger.Warn("engine attempt produced no text", "attempt", att.Label)
			continue
		}

		// Success: persist user turn, answer, and the freshest handle.
		now := inv.now().UTC()
		handle := capturedHandle
		if handle == "" {
			handle = priorHandle
		}
		if handle != "" {
			span.SetAttributes(otel.AttrSessionID.String(handle))
		}
		if _, perr := inv.store.Mutate(conversationID, func(st *convstore.State) {
			st.History = append(st.History,
				convstore.Message{Role: convstore.RoleUser, Content: turnText, Timestamp: now},
				convstore.Message{Role: convstore.RoleAssistant, Content: res.Text, Timestamp: now},
			)
			st.ContinuationHandle = handle
		}); perr != nil {
			logger.Error("persist conversation", "error", perr)
		}
		if inv.metrics != nil {
			inv.metrics.TurnDuration.Record(ctx, inv.now().Sub(started).Seconds())
		}
		if inv.bus != nil {
			inv.bus.Publish(bus.TopicTurnCompleted, bus.TurnCompletedEvent{
				ConversationID: conversationID, TurnID: turnID, Text: res.Text, Attempts: attemptsRun,
			})
		}
		logger.Info("turn completed", "attempts", attemptsRun, "reply_chars", len(res.Text))
		return res.Text, nil
	}

	// Ladder exhausted.
	if !softFailure {
		// Every rung crashed; force a fresh continuation next turn.
		inv.persistFailedTurn(conversationID, turnText, "", true)
		inv.publishFailed(conversationID, turnID, "engine unavailable")
		logger.Error("all engine attempts crashed", "attempts", attemptsRun)
		return "", ErrEngineUnavailable
	}
	// At least one rung ran to completion and produced nothing.
	inv.persistFailedTurn(conversationID, turnText, priorHandle, firstAttemptCrash)
	inv.publishFailed(conversationID, turnID, "empty result")
	logger.Warn("ladder exhausted without text", "attempts", attemptsRun)
	return FallbackReply, nil
}

// persistFailedTurn records the user's message with no assistant answer. The
// prior continuation handle survives only if the attempt that consumed it
// did not crash.
func (inv *Invoker) persistFailedTurn(conversationID, turnText, priorHandle string, firstAttemptCrash bool) {
	now := inv.now().UTC()
	if _, err := inv.store.Mutate(conversationID, func(st *convstore.State) {
		st.History = append(st.History, convstore.Message{
			Role: convstore.RoleUser, Content: turnText, Timestamp: now,
		})
		if firstAttemptCrash {
			st.ContinuationHandle = ""
		} else {
			st.ContinuationHandle = priorHandle
		}
	}); err != nil {
		inv.logger.Error("persist failed turn", "conversation_id", conversationID, "error", err)
	}
}

func (inv *Invoker) publishFailed(conversationID, turnID, reason string) {
	if inv.bus != nil {
		inv.bus.Publish(bus.TopicTurnFailed, bus.TurnFailedEvent{
			ConversationID: conversationID, TurnID: turnID, Reason: reason,
		})
	}
}

// preamble builds the per-turn system prompt appendix.
func (inv *Invoker) preamble() string {
	inv.instructionsMu.RLock()
	instructions := inv.instructions
	inv.instructionsMu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s.", inv.now().Format(time.RFC1123))
	b.WriteString(" You are replying inside a personal chat; keep answers concise.")
	if instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(instructions)
	}
	return b.String()
}
