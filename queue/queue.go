package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
)

// Queue names. The set is fixed; producers and pools refer to queues only
// by these names.
const (
	System                = "system"
	DB                    = "db"
	Deliver               = "deliver"
	Inbox                 = "inbox"
	WebhookDeliver        = "webhookDeliver"
	Relationship          = "relationship"
	ObjectStorage         = "objectStorage"
	EndedPollNotification = "endedPollNotification"
)

// Names lists every queue in startup order.
var Names = []string{
	System, EndedPollNotification, Deliver, Inbox, DB,
	Relationship, ObjectStorage, WebhookDeliver,
}

// IsKnown reports whether name is one of the fixed queues.
func IsKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Rate limits lease starts to Max per sliding Window.
type Rate struct {
	Max    int
	Window time.Duration
}

// PerSecond returns a rate of n starts per second.
func PerSecond(n int) *Rate {
	return &Rate{Max: n, Window: time.Second}
}

// Config defines per-queue behaviour. It is immutable after startup.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// Concurrency is the maximum number of leases held at once.
	Concurrency int

	// Rate caps lease starts per sliding window. Nil means unlimited.
	Rate *Rate

	// Backoff names the default retry policy for jobs of this queue.
	Backoff string

	// Attempts is the default execution budget for jobs of this queue.
	Attempts int

	// MaxStalledCount is how many lock expiries a job survives before it
	// fails. Zero means one.
	MaxStalledCount int

	// HostRate and HostBurst configure the per-destination limiter for
	// delivery-class jobs. Zero HostRate disables it.
	HostRate  float64
	HostBurst int
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if !IsKnown(c.Name) {
		return fmt.Errorf("%w: %q", courier.ErrQueueNotFound, c.Name)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("queue %s: concurrency must be positive, got %d", c.Name, c.Concurrency)
	}
	if c.Rate != nil && (c.Rate.Max <= 0 || c.Rate.Window <= 0) {
		return fmt.Errorf("queue %s: rate needs positive max and window", c.Name)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("queue %s: attempts must be at least 1, got %d", c.Name, c.Attempts)
	}
	if c.Backoff != "" {
		if _, err := backoff.Lookup(c.Backoff); err != nil {
			return fmt.Errorf("queue %s: %w", c.Name, err)
		}
	}
	if c.HostRate < 0 || c.HostBurst < 0 {
		return fmt.Errorf("queue %s: negative host rate", c.Name)
	}
	return nil
}

// StalledLimit returns the effective MaxStalledCount.
func (c Config) StalledLimit() int {
	if c.MaxStalledCount <= 0 {
		return 1
	}
	return c.MaxStalledCount
}

// Defaults returns the stock configuration of every queue.
func Defaults() []Config {
	return []Config{
		{Name: System, Concurrency: 1, Backoff: backoff.NameFixed, Attempts: 1},
		{Name: EndedPollNotification, Concurrency: 1, Backoff: backoff.NameFixed, Attempts: 1},
		{
			Name: Deliver, Concurrency: 128, Rate: PerSecond(128),
			Backoff: backoff.NameNetwork, Attempts: 12,
			HostRate: 8, HostBurst: 16,
		},
		{Name: Inbox, Concurrency: 16, Rate: PerSecond(16), Backoff: backoff.NameNetwork, Attempts: 8},
		{Name: DB, Concurrency: 1, Backoff: backoff.NameFixed, Attempts: 1},
		{Name: Relationship, Concurrency: 16, Rate: PerSecond(64), Backoff: backoff.NameFixed, Attempts: 1},
		{Name: ObjectStorage, Concurrency: 16, Backoff: backoff.NameFixed, Attempts: 1},
		{
			Name: WebhookDeliver, Concurrency: 64, Rate: PerSecond(64),
			Backoff: backoff.NameNetwork, Attempts: 4,
			HostRate: 8, HostBurst: 16,
		},
	}
}

// Registry holds the configuration of every queue.
type Registry struct {
	configs map[string]Config
}

// NewRegistry starts from Defaults and applies overrides by name. Each
// override replaces the default configuration of its queue.
func NewRegistry(overrides ...Config) (*Registry, error) {
	r := &Registry{configs: make(map[string]Config, len(Names))}
	for _, c := range Defaults() {
		r.configs[c.Name] = c
	}
	for _, c := range overrides {
		if !IsKnown(c.Name) {
			return nil, fmt.Errorf("%w: %q", courier.ErrQueueNotFound, c.Name)
		}
		r.configs[c.Name] = c
	}

	var errs []error
	for _, name := range Names {
		if err := r.configs[name].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// DefaultRegistry returns a registry with the stock configuration.
func DefaultRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the configuration for the named queue.
func (r *Registry) Get(name string) (Config, error) {
	c, ok := r.configs[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", courier.ErrQueueNotFound, name)
	}
	return c, nil
}

// Configs returns every queue configuration in startup order.
func (r *Registry) Configs() []Config {
	out := make([]Config, 0, len(Names))
	for _, name := range Names {
		out = append(out, r.configs[name])
	}
	return out
}

// Names returns the queue names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
