// Package approval gates sensitive tool use behind an asynchronous human
// decision delivered through the front end, with a forced deny on timeout.
package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-valet/internal/bus"
	"github.com/basket/go-valet/internal/config"
	"github.com/basket/go-valet/internal/shared"
)

// Decision is the outcome of a permission request.
type Decision struct {
	Allow  bool
	Reason string
}

// Request describes one pending tool-use permission check.
type Request struct {
	// ID is the correlation id, derived from the engine's tool invocation id.
	ID             string
	Tool           string
	Summary        string
	ConversationID string
	CreatedAt      time.Time
}

type pending struct {
	req   Request
	ch    chan Decision
	timer *time.Timer
}

// Prompter presents a pending request to the user. Implementations must not
// block; the broker waits on the decision channel, not on the prompter.
type Prompter interface {
	PromptApproval(req Request)
	NotifyExpired(req Request)
}

// Broker owns pending permission requests for their whole ephemeral
// lifetime. Resolution and expiry both go through a single claim operation,
// so each request is decided exactly once.
type Broker struct {
	policy  *Policy
	timeout time.Duration
	logger  *slog.Logger
	bus     *bus.Bus

	mu       sync.Mutex
	pendingM map[string]*pending

	prompter Prompter
}

func NewBroker(cfg config.ApprovalConfig, logger *slog.Logger, b *bus.Bus) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		policy:   NewPolicy(cfg),
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:   logger,
		bus:      b,
		pendingM: make(map[string]*pending),
	}
}

// SetPrompter wires the front end in after construction.
func (b *Broker) SetPrompter(p Prompter) {
	b.prompter = p
}

// Policy exposes the allowlist for hot reload.
func (b *Broker) Policy() *Policy {
	return b.policy
}

// Request blocks until the named tool use is decided: by policy, by the
// user, by expiry, or by ctx cancellation. Only the requesting turn blocks;
// other conversations proceed independently.
func (b *Broker) Request(ctx context.Context, req Request) Decision {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if b.policy.PreApproved(req.Tool) {
		b.logger.Debug("tool pre-approved", "tool", req.Tool, "request_id", req.ID,
			"trace_id", shared.TraceID(ctx))
		if b.bus != nil {
			b.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolved{
				RequestID: req.ID, Allowed: true, Source: "policy",
			})
		}
		return Decision{Allow: true}
	}

	p := &pending{req: req, ch: make(chan Decision, 1)}

	b.mu.Lock()
	if _, exists := b.pendingM[req.ID]; exists {
		b.mu.Unlock()
		b.logger.Warn("duplicate permission request", "request_id", req.ID, "tool", req.Tool)
		return Decision{Allow: false, Reason: "duplicate request"}
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(req.ID) })
	b.pendingM[req.ID] = p
	b.mu.Unlock()

	b.logger.Info("permission requested", "request_id", req.ID, "tool", req.Tool,
		"summary", req.Summary, "conversation_id", req.ConversationID)
	if b.bus != nil {
		b.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequested{
			RequestID: req.ID, Tool: req.Tool, Summary: req.Summary,
		})
	}
	if b.prompter != nil {
		b.prompter.PromptApproval(req)
	}

	select {
	case d := <-p.ch:
		return d
	case <-ctx.Done():
		// The turn is gone; claim the entry so a late user tap is a no-op.
		if claimed, ok := b.claim(req.ID); ok {
			claimed.timer.Stop()
		}
		return Decision{Allow: false, Reason: "canceled"}
	}
}

// Resolve delivers a decision for a pending request. Returns false when the
// request was already resolved, expired, or never existed.
func (b *Broker) Resolve(requestID string, d Decision) bool {
	p, ok := b.claim(requestID)
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- d
	b.logger.Info("permission resolved", "request_id", requestID, "allow", d.Allow)
	if b.bus != nil {
		b.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolved{
			RequestID: requestID, Allowed: d.Allow, Source: "user",
		})
	}
	return true
}

// Pending returns a snapshot of outstanding requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pendingM))
	for _, p := range b.pendingM {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// DenyAll force-denies every outstanding request, used during shutdown so
// no turn blocks forever on a prompt nobody will answer.
func (b *Broker) DenyAll(reason string) {
	b.mu.Lock()
	entries := make([]*pending, 0, len(b.pendingM))
	for id, p := range b.pendingM {
		entries = append(entries, p)
		delete(b.pendingM, id)
	}
	b.mu.Unlock()
	for _, p := range entries {
		p.timer.Stop()
		p.ch <- Decision{Allow: false, Reason: reason}
	}
}

// expire fires on the request's deadline. Losing the claim race to a
// resolver means the user answered in time, so nothing is sent.
func (b *Broker) expire(requestID string) {
	p, ok := b.claim(requestID)
	if !ok {
		return
	}
	p.ch <- Decision{Allow: false, Reason: "timed out"}
	b.logger.Warn("permission request expired", "request_id", requestID, "tool", p.req.Tool)
	if b.bus != nil {
		b.bus.Publish(bus.TopicApprovalExpired, bus.ApprovalExpired{
			RequestID: requestID, Tool: p.req.Tool,
		})
	}
	if b.prompter != nil {
		b.prompter.NotifyExpired(p.req)
	}
}

// claim removes and returns the pending entry if present. This is the single
// point of resolution: whoever claims the entry owns the decision.
func (b *Broker) claim(requestID string) (*pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pendingM[requestID]
	if ok {
		delete(b.pendingM, requestID)
	}
	return p, ok
}
