package gateway

import (
	"maps"
	"sync/atomic"

	"github.com/AlexKimmel/ratewindow/internal/ratelimit"
)

type policyTable struct {
	def       ratelimit.Policy
	overrides map[string]ratelimit.Policy // key ID -> policy
}

// Policies resolves the quota for a caller. Store may replace the table while
// requests are in flight; a key whose quota changes starts a fresh window.
type Policies struct {
	v atomic.Pointer[policyTable]
}

func NewPolicies(def ratelimit.Policy, overrides map[string]ratelimit.Policy) *Policies {
	p := &Policies{}
	p.Store(def, overrides)
	return p
}

func (p *Policies) Store(def ratelimit.Policy, overrides map[string]ratelimit.Policy) {
	p.v.Store(&policyTable{def: def, overrides: maps.Clone(overrides)})
}

// For returns the override for keyID, or the default. Anonymous callers pass "".
func (p *Policies) For(keyID string) ratelimit.Policy {
	t := p.v.Load()
	if op, ok := t.overrides[keyID]; ok && keyID != "" {
		return op
	}
	return t.def
}

func (p *Policies) Default() ratelimit.Policy {
	return p.v.Load().def
}
