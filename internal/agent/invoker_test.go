package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/go-valet/internal/config"
	"github.com/basket/go-valet/internal/convstore"
	"github.com/basket/go-valet/internal/shared"
)

// scriptedRunner replays a fixed sequence of attempt outcomes and records
// every request it received.
type scriptedRunner struct {
	results  []AttemptResult
	errs     []error
	requests []AttemptRequest
}

func (r *scriptedRunner) RunAttempt(ctx context.Context, req AttemptRequest, onDelta func(string)) (AttemptResult, error) {
	i := len(r.requests)
	r.requests = append(r.requests, req)
	if i >= len(r.results) {
		return AttemptResult{}, errors.New("no scripted result")
	}
	if r.errs[i] != nil {
		return AttemptResult{}, r.errs[i]
	}
	if onDelta != nil && r.results[i].Text != "" {
		onDelta(r.results[i].Text)
	}
	return r.results[i], nil
}

func testLadderConfig(entries ...config.AttemptEntry) config.Config {
	var cfg config.Config
	cfg.Engine.Model = "opus"
	cfg.Engine.Attempts = entries
	return cfg
}

func newTestInvoker(t *testing.T, cfg config.Config, runner Runner) (*Invoker, *convstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := convstore.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("convstore.New: %v", err)
	}
	return NewInvoker(cfg, runner, store, logger, nil, nil, nil), store
}

// ctxCapturingRunner records the trace id visible on each attempt's context.
type ctxCapturingRunner struct {
	scriptedRunner
	traceIDs []string
}

func (r *ctxCapturingRunner) RunAttempt(ctx context.Context, req AttemptRequest, onDelta func(string)) (AttemptResult, error) {
	r.traceIDs = append(r.traceIDs, shared.TraceID(ctx))
	return r.scriptedRunner.RunAttempt(ctx, req, onDelta)
}

func TestInvoke_CarriesTraceIDToRunner(t *testing.T) {
	runner := &ctxCapturingRunner{scriptedRunner: scriptedRunner{
		results: []AttemptResult{{Text: "ok", ContinuationHandle: "sess-1"}},
		errs:    []error{nil},
	}}
	cfg := testLadderConfig(config.AttemptEntry{Label: "primary", Model: "opus"})
	inv, _ := newTestInvoker(t, cfg, runner)

	ctx := shared.WithTraceID(context.Background(), "trace-123")
	if _, err := inv.Invoke(ctx, "c1", "hi", nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(runner.traceIDs) != 1 || runner.traceIDs[0] != "trace-123" {
		t.Fatalf("trace id at runner = %v, want trace-123", runner.traceIDs)
	}
}

func TestInvoke_EmitsTurnAndAttemptSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := convstore.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("convstore.New: %v", err)
	}
	runner := &scriptedRunner{
		results: []AttemptResult{{Text: "ok", ContinuationHandle: "sess-1"}},
		errs:    []error{nil},
	}
	cfg := testLadderConfig(config.AttemptEntry{Label: "primary", Model: "opus"})
	inv := NewInvoker(cfg, runner, store, logger, nil, nil, tp.Tracer("test"))

	if _, err := inv.Invoke(context.Background(), "c1", "hi", nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	names := make(map[string]bool)
	for _, s := range sr.Ended() {
		names[s.Name()] = true
	}
	if !names["turn.invoke"] {
		t.Errorf("no turn.invoke span recorded, got %v", names)
	}
	if !names["engine.attempt"] {
		t.Errorf("no engine.attempt span recorded, got %v", names)
	}
}

func seedHandle(t *testing.T, store *convstore.Store, conversationID, handle string) {
	t.Helper()
	if _, err := store.Mutate(conversationID, func(st *convstore.State) {
		st.ContinuationHandle = handle
	}); err != nil {
		t.Fatalf("seed handle: %v", err)
	}
}

func TestInvoke_FirstAttemptSucceeds(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{Text: "hello there", ContinuationHandle: "sess-1"}},
		errs:    []error{nil},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus", AllowPrompts: true},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)

	got, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("reply = %q", got)
	}
	if len(runner.requests) != 1 {
		t.Fatalf("attempts = %d, want 1", len(runner.requests))
	}

	st := store.Load("tg:1")
	if st.ContinuationHandle != "sess-1" {
		t.Errorf("handle = %q, want sess-1", st.ContinuationHandle)
	}
	if len(st.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(st.History))
	}
	if st.History[0].Role != convstore.RoleUser || st.History[0].Content != "hi" {
		t.Errorf("history[0] = %+v", st.History[0])
	}
	if st.History[1].Role != convstore.RoleAssistant || st.History[1].Content != "hello there" {
		t.Errorf("history[1] = %+v", st.History[1])
	}
}

func TestInvoke_HandleOnlyOnFirstAttempt(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{}, {Text: "recovered", ContinuationHandle: "sess-2"}},
		errs:    []error{&CrashError{ExitCode: 1}, nil},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus"},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)
	seedHandle(t, store, "tg:1", "old-handle")

	got, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "recovered" {
		t.Fatalf("reply = %q", got)
	}
	if len(runner.requests) != 2 {
		t.Fatalf("attempts = %d, want 2", len(runner.requests))
	}
	if runner.requests[0].ContinuationHandle != "old-handle" {
		t.Errorf("first attempt handle = %q, want old-handle", runner.requests[0].ContinuationHandle)
	}
	if runner.requests[1].ContinuationHandle != "" {
		t.Errorf("second attempt handle = %q, want empty", runner.requests[1].ContinuationHandle)
	}
	if st := store.Load("tg:1"); st.ContinuationHandle != "sess-2" {
		t.Errorf("persisted handle = %q, want sess-2", st.ContinuationHandle)
	}
}

func TestInvoke_EmptyThenSuccess_SingleAssistantMessage(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{Text: "   \n"}, {Text: "real answer"}},
		errs:    []error{nil, nil},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus"},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)

	got, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "real answer" {
		t.Fatalf("reply = %q", got)
	}
	st := store.Load("tg:1")
	assistants := 0
	for _, m := range st.History {
		if m.Role == convstore.RoleAssistant {
			assistants++
		}
	}
	if assistants != 1 {
		t.Errorf("assistant messages = %d, want 1", assistants)
	}
}

func TestInvoke_AllCrash_ReturnsUnavailableAndClearsHandle(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{}, {}},
		errs:    []error{&CrashError{ExitCode: 1}, &CrashError{ExitCode: 137}},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus"},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)
	seedHandle(t, store, "tg:1", "old-handle")

	_, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("err = %v, want ErrEngineUnavailable", err)
	}

	st := store.Load("tg:1")
	if st.ContinuationHandle != "" {
		t.Errorf("handle = %q, want cleared", st.ContinuationHandle)
	}
	if len(st.History) != 1 || st.History[0].Role != convstore.RoleUser {
		t.Fatalf("history = %+v, want single user message", st.History)
	}
}

func TestInvoke_ExhaustedWithSoftFailure_FallbackNotPersisted(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{Text: ""}, {Text: "  "}},
		errs:    []error{nil, nil},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus"},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)
	seedHandle(t, store, "tg:1", "old-handle")

	got, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != FallbackReply {
		t.Fatalf("reply = %q, want fallback", got)
	}

	st := store.Load("tg:1")
	if len(st.History) != 1 || st.History[0].Role != convstore.RoleUser {
		t.Fatalf("history = %+v, want single user message", st.History)
	}
	if st.ContinuationHandle != "old-handle" {
		t.Errorf("handle = %q, want preserved", st.ContinuationHandle)
	}
}

func TestInvoke_FatalErrorAbortsImmediately(t *testing.T) {
	fatal := errors.New("config invalid")
	runner := &scriptedRunner{
		results: []AttemptResult{{}},
		errs:    []error{fatal},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus"},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)
	seedHandle(t, store, "tg:1", "old-handle")

	_, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want wrapped fatal error", err)
	}
	if len(runner.requests) != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry after fatal)", len(runner.requests))
	}

	st := store.Load("tg:1")
	if len(st.History) != 1 || st.History[0].Role != convstore.RoleUser {
		t.Fatalf("history = %+v, want single user message", st.History)
	}
	if st.ContinuationHandle != "old-handle" {
		t.Errorf("handle = %q, want preserved after non-crash failure", st.ContinuationHandle)
	}
}

func TestInvoke_CrashThenEmpty_Fallback(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{}, {Text: ""}},
		errs:    []error{&CrashError{ExitCode: 1}, nil},
	}
	cfg := testLadderConfig(
		config.AttemptEntry{Label: "primary", Model: "opus"},
		config.AttemptEntry{Label: "retry", Model: "opus"},
	)
	inv, store := newTestInvoker(t, cfg, runner)
	seedHandle(t, store, "tg:1", "old-handle")

	got, err := inv.Invoke(context.Background(), "tg:1", "hi", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != FallbackReply {
		t.Fatalf("reply = %q, want fallback", got)
	}
	// The first attempt crashed while holding the handle, so it is gone.
	if st := store.Load("tg:1"); st.ContinuationHandle != "" {
		t.Errorf("handle = %q, want cleared after first-attempt crash", st.ContinuationHandle)
	}
}

func TestInvoke_PartialCallbackStreams(t *testing.T) {
	runner := &scriptedRunner{
		results: []AttemptResult{{Text: "streamed reply"}},
		errs:    []error{nil},
	}
	cfg := testLadderConfig(config.AttemptEntry{Label: "primary", Model: "opus"})
	inv, _ := newTestInvoker(t, cfg, runner)

	var partials []string
	_, err := inv.Invoke(context.Background(), "tg:1", "hi", func(s string) {
		partials = append(partials, s)
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(partials) == 0 || partials[len(partials)-1] != "streamed reply" {
		t.Fatalf("partials = %v", partials)
	}
}
