package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-valet/internal/config"
)

func testConfig(timeoutSeconds int) config.ApprovalConfig {
	return config.ApprovalConfig{
		TimeoutSeconds:    timeoutSeconds,
		AllowedTools:      []string{"Read", "Glob"},
		AutoAllowPrefixes: []string{"mcp__valet__"},
	}
}

type recordingPrompter struct {
	mu       sync.Mutex
	prompted []Request
	expired  []Request
}

func (r *recordingPrompter) PromptApproval(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompted = append(r.prompted, req)
}

func (r *recordingPrompter) NotifyExpired(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, req)
}

func (r *recordingPrompter) expiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expired)
}

func TestRequest_PreApprovedSkipsPrompt(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)
	p := &recordingPrompter{}
	b.SetPrompter(p)

	d := b.Request(context.Background(), Request{ID: "r1", Tool: "Read"})
	if !d.Allow {
		t.Fatalf("expected allow for allowlisted tool, got %+v", d)
	}
	d = b.Request(context.Background(), Request{ID: "r2", Tool: "mcp__valet__jobs_list"})
	if !d.Allow {
		t.Fatalf("expected allow for internal tool prefix, got %+v", d)
	}
	if len(p.prompted) != 0 {
		t.Fatalf("pre-approved tools must not prompt, got %d prompts", len(p.prompted))
	}
}

func TestRequest_UserAllow(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)
	p := &recordingPrompter{}
	b.SetPrompter(p)

	result := make(chan Decision, 1)
	go func() {
		result <- b.Request(context.Background(), Request{ID: "r1", Tool: "Bash", Summary: "rm -rf ./tmp"})
	}()

	// Wait for the request to land in the pending table.
	waitPending(t, b, "r1")

	if handled := b.Resolve("r1", Decision{Allow: true}); !handled {
		t.Fatalf("resolve returned handled=false for live request")
	}

	select {
	case d := <-result:
		if !d.Allow {
			t.Fatalf("expected allow, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for decision")
	}
}

func TestRequest_ExpiryForcesDeny(t *testing.T) {
	cfg := testConfig(120)
	cfg.TimeoutSeconds = 1
	b := NewBroker(cfg, nil, nil)
	p := &recordingPrompter{}
	b.SetPrompter(p)

	// Shrink the timer further for the test.
	b.timeout = 50 * time.Millisecond

	d := b.Request(context.Background(), Request{ID: "r1", Tool: "Bash"})
	if d.Allow {
		t.Fatalf("expected deny on expiry")
	}
	if d.Reason != "timed out" {
		t.Fatalf("reason = %q, want timed out", d.Reason)
	}
	if p.expiredCount() != 1 {
		t.Fatalf("expected expiry notification, got %d", p.expiredCount())
	}

	// A late user answer finds nothing to resolve.
	if handled := b.Resolve("r1", Decision{Allow: true}); handled {
		t.Fatalf("resolve after expiry must return handled=false")
	}
}

func TestRequest_ResolveBeforeExpiryCancelsTimer(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)
	b.timeout = 100 * time.Millisecond
	p := &recordingPrompter{}
	b.SetPrompter(p)

	result := make(chan Decision, 1)
	go func() {
		result <- b.Request(context.Background(), Request{ID: "r1", Tool: "Bash"})
	}()
	waitPending(t, b, "r1")

	if !b.Resolve("r1", Decision{Allow: false, Reason: "no"}) {
		t.Fatalf("resolve failed")
	}
	<-result

	// Past the original deadline, no late expiry notification fires.
	time.Sleep(200 * time.Millisecond)
	if p.expiredCount() != 0 {
		t.Fatalf("timer fired after resolution")
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)

	result := make(chan Decision, 1)
	go func() {
		result <- b.Request(context.Background(), Request{ID: "r1", Tool: "Bash"})
	}()
	waitPending(t, b, "r1")

	first := b.Resolve("r1", Decision{Allow: true})
	second := b.Resolve("r1", Decision{Allow: false})
	if !first || second {
		t.Fatalf("expected first=true second=false, got %v %v", first, second)
	}
	if d := <-result; !d.Allow {
		t.Fatalf("winning decision lost: %+v", d)
	}
}

func TestRequest_DuplicateCorrelationID(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)

	go b.Request(context.Background(), Request{ID: "dup", Tool: "Bash"})
	waitPending(t, b, "dup")

	d := b.Request(context.Background(), Request{ID: "dup", Tool: "Bash"})
	if d.Allow || d.Reason != "duplicate request" {
		t.Fatalf("expected duplicate deny, got %+v", d)
	}
	// The original entry is still resolvable.
	if !b.Resolve("dup", Decision{Allow: true}) {
		t.Fatalf("original request lost after duplicate")
	}
}

func TestRequest_ContextCancellation(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan Decision, 1)
	go func() {
		result <- b.Request(ctx, Request{ID: "r1", Tool: "Bash"})
	}()
	waitPending(t, b, "r1")
	cancel()

	select {
	case d := <-result:
		if d.Allow || d.Reason != "canceled" {
			t.Fatalf("expected canceled deny, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancellation")
	}
	if b.Resolve("r1", Decision{Allow: true}) {
		t.Fatalf("entry not claimed on cancellation")
	}
}

func TestDenyAll_UnblocksEveryWaiter(t *testing.T) {
	b := NewBroker(testConfig(120), nil, nil)

	results := make(chan Decision, 2)
	go func() { results <- b.Request(context.Background(), Request{ID: "a", Tool: "Bash"}) }()
	go func() { results <- b.Request(context.Background(), Request{ID: "b", Tool: "Write"}) }()
	waitPending(t, b, "a")
	waitPending(t, b, "b")

	b.DenyAll("shutting down")
	for i := 0; i < 2; i++ {
		select {
		case d := <-results:
			if d.Allow || d.Reason != "shutting down" {
				t.Fatalf("unexpected decision %+v", d)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for forced denial")
		}
	}
	if got := b.Pending(); len(got) != 0 {
		t.Fatalf("pending not empty after DenyAll: %+v", got)
	}
}

func waitPending(t *testing.T, b *Broker, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, req := range b.Pending() {
			if req.ID == id {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("request %s never became pending", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSummarizeInput(t *testing.T) {
	cases := []struct {
		tool  string
		input string
		want  string
	}{
		{"Read", `{"file_path":"/home/u/project/main.go"}`, "main.go"},
		{"Bash", `{"command":"ls -la"}`, "ls -la"},
		{"Grep", `{"pattern":"needle"}`, "needle"},
		{"Unknown", `{"anything":"value"}`, "value"},
		{"Bash", ``, ""},
		{"Bash", `not json`, ""},
	}
	for _, tc := range cases {
		got := SummarizeInput(tc.tool, json.RawMessage(tc.input))
		if got != tc.want {
			t.Errorf("SummarizeInput(%q, %q) = %q, want %q", tc.tool, tc.input, got, tc.want)
		}
	}
}

func TestSummarizeInput_Truncates(t *testing.T) {
	long := `{"command":"echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`
	got := SummarizeInput("Bash", json.RawMessage(long))
	if len(got) > 60 {
		t.Fatalf("summary length = %d, want <= 60", len(got))
	}
}
