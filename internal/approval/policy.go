package approval

import (
	"strings"
	"sync"

	"github.com/basket/go-valet/internal/config"
)

// Policy decides which tools are pre-approved without asking the user.
// Reloadable so a config change applies to in-flight conversations.
type Policy struct {
	mu       sync.RWMutex
	allowed  map[string]struct{}
	prefixes []string
}

func NewPolicy(cfg config.ApprovalConfig) *Policy {
	p := &Policy{}
	p.Reload(cfg)
	return p
}

// Reload swaps in a new allowlist.
func (p *Policy) Reload(cfg config.ApprovalConfig) {
	allowed := make(map[string]struct{}, len(cfg.AllowedTools))
	for _, t := range cfg.AllowedTools {
		allowed[strings.TrimSpace(t)] = struct{}{}
	}
	p.mu.Lock()
	p.allowed = allowed
	p.prefixes = append([]string(nil), cfg.AutoAllowPrefixes...)
	p.mu.Unlock()
}

// PreApproved reports whether a tool may run without a user prompt.
func (p *Policy) PreApproved(tool string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.allowed[tool]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if prefix != "" && strings.HasPrefix(tool, prefix) {
			return true
		}
	}
	return false
}
