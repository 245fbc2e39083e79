// Package backoff provides retry delay policies for failed jobs.
// All policies are safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// Strategy computes the delay before a job is retried.
type Strategy interface {
	// Delay returns how long to wait before the next attempt. attemptsMade
	// already counts the attempt that just failed, so the first retry is
	// computed with attemptsMade == 1.
	Delay(attemptsMade int) time.Duration
}

// Policy names understood by Lookup.
const (
	NameNetwork = "network"
	NameFixed   = "fixed"
	NameNone    = "none"
)

// ──────────────────────────────────────────────────
// Network
// ──────────────────────────────────────────────────

// Network is the policy for jobs that talk to remote servers:
//
//	raw     = (2^attemptsMade - 1) * Base
//	capped  = min(raw, Max)
//	delay   = capped + round(capped * rand * Jitter)
//
// With the defaults the first retry waits one to 1.2 minutes, doubling
// per attempt up to eight hours.
type Network struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewNetwork creates the default network policy: 1m base, 8h cap, 20% jitter.
func NewNetwork() *Network {
	return &Network{Base: time.Minute, Max: 8 * time.Hour, Jitter: 0.2}
}

// Delay implements Strategy.
func (n *Network) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	baseMs := float64(n.Base.Milliseconds())
	maxMs := float64(n.Max.Milliseconds())

	capped := (math.Pow(2, float64(attemptsMade)) - 1) * baseMs
	if capped > maxMs {
		capped = maxMs
	}

	r := n.Rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	delayMs := capped + math.Round(capped*r()*n.Jitter)
	return time.Duration(delayMs) * time.Millisecond
}

// Ceiling returns the largest delay the policy can produce.
func (n *Network) Ceiling() time.Duration {
	return n.Max + time.Duration(math.Round(float64(n.Max)*n.Jitter))
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// DefaultFixedInterval is the retry delay of local and database queues.
const DefaultFixedInterval = 5 * time.Second

// ──────────────────────────────────────────────────
// Named policies
// ──────────────────────────────────────────────────

var (
	namedMu sync.RWMutex
	named   = map[string]Strategy{
		NameNetwork: NewNetwork(),
		NameFixed:   NewConstant(DefaultFixedInterval),
		NameNone:    NewConstant(0),
	}
)

// Lookup resolves a policy by name. Jobs reference policies by name so the
// reference survives serialization in the backing store.
func Lookup(name string) (Strategy, error) {
	namedMu.RLock()
	defer namedMu.RUnlock()
	s, ok := named[name]
	if !ok {
		return nil, fmt.Errorf("backoff: unknown policy %q", name)
	}
	return s, nil
}

// Register adds or replaces a named policy.
func Register(name string, s Strategy) {
	namedMu.Lock()
	defer namedMu.Unlock()
	named[name] = s
}

// Names returns the registered policy names in sorted order.
func Names() []string {
	namedMu.RLock()
	defer namedMu.RUnlock()
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
