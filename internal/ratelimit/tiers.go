package ratelimit

import (
	"fmt"
	"math"
	"sort"
)

// Tiers is the static tier table. It is built once at startup and is
// read-only afterwards.
type Tiers struct {
	byName map[string]Policy
	def    string
}

// NewTiers validates the policies and the default tier name.
func NewTiers(policies []Policy, defaultTier string) (*Tiers, error) {
	t := &Tiers{byName: make(map[string]Policy, len(policies)), def: defaultTier}
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("ratelimit: tier with empty name")
		}
		if _, dup := t.byName[p.Name]; dup {
			return nil, fmt.Errorf("ratelimit: duplicate tier %q", p.Name)
		}
		if !p.Unlimited {
			if !(p.Capacity > 0) || math.IsInf(p.Capacity, 0) {
				return nil, fmt.Errorf("ratelimit: tier %q: capacity must be a positive number", p.Name)
			}
			if !(p.RefillPerSec > 0) || math.IsInf(p.RefillPerSec, 0) {
				return nil, fmt.Errorf("ratelimit: tier %q: refill rate must be a positive number", p.Name)
			}
		}
		t.byName[p.Name] = p
	}
	if _, ok := t.byName[defaultTier]; !ok {
		return nil, fmt.Errorf("ratelimit: default tier %q is not configured", defaultTier)
	}
	return t, nil
}

// Lookup returns the policy for name, if configured.
func (t *Tiers) Lookup(name string) (Policy, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Resolve returns the policy for name, or the default tier's policy when name
// is unknown.
func (t *Tiers) Resolve(name string) Policy {
	if p, ok := t.byName[name]; ok {
		return p
	}
	return t.byName[t.def]
}

// Default returns the name of the fallback tier.
func (t *Tiers) Default() string { return t.def }

// Has reports whether name is a configured tier.
func (t *Tiers) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Names returns the configured tier names in sorted order.
func (t *Tiers) Names() []string {
	out := make([]string, 0, len(t.byName))
	for n := range t.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
