package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier/cache"
)

type meta struct {
	Name         string   `json:"name"`
	BlockedHosts []string `json:"blockedHosts"`
}

func TestFetchLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	c := cache.New(func(context.Context) (meta, error) {
		loads.Add(1)
		return meta{Name: "a"}, nil
	})

	if _, ok := c.Get(); ok {
		t.Fatal("new cache should be empty")
	}
	for i := 0; i < 3; i++ {
		m, err := c.Fetch(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if m.Name != "a" {
			t.Errorf("name = %q", m.Name)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("expected 1 load, got %d", got)
	}
}

func TestConcurrentFetchCoalesces(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	c := cache.New(func(context.Context) (meta, error) {
		loads.Add(1)
		<-release
		return meta{Name: "a"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}

	// Let the goroutines pile up behind the first load.
	deadline := time.Now().Add(time.Second)
	for loads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("expected 1 coalesced load, got %d", got)
	}
}

func TestRefreshKeepsValueOnError(t *testing.T) {
	fail := false
	c := cache.New(func(context.Context) (meta, error) {
		if fail {
			return meta{}, errors.New("db down")
		}
		return meta{Name: "a"}, nil
	})

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	fail = true
	if _, err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	m, ok := c.Get()
	if !ok || m.Name != "a" {
		t.Errorf("previous value lost: %+v ok=%v", m, ok)
	}
}

func TestSetAndInvalidate(t *testing.T) {
	var loads atomic.Int32
	c := cache.New(func(context.Context) (meta, error) {
		loads.Add(1)
		return meta{Name: "loaded"}, nil
	})

	c.Set(meta{Name: "set"})
	m, err := c.Fetch(context.Background())
	if err != nil || m.Name != "set" {
		t.Fatalf("Fetch after Set = %+v, %v", m, err)
	}
	if loads.Load() != 0 {
		t.Error("Set value should be served without loading")
	}

	c.Invalidate()
	m, err = c.Fetch(context.Background())
	if err != nil || m.Name != "loaded" {
		t.Fatalf("Fetch after Invalidate = %+v, %v", m, err)
	}
	if loads.Load() != 1 {
		t.Errorf("expected reload after Invalidate, got %d loads", loads.Load())
	}
}

func TestRefresherTicks(t *testing.T) {
	var loads atomic.Int32
	c := cache.New(func(context.Context) (meta, error) {
		n := loads.Add(1)
		if n == 2 {
			return meta{}, errors.New("transient")
		}
		return meta{Name: "v"}, nil
	})

	ticks := make(chan time.Time)
	var stopped atomic.Bool
	ticker := func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() { stopped.Store(true) }
	}

	r := cache.NewRefresher("meta", cache.RefreshCache(c), cache.WithTicker(ticker))
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ticks <- time.Now()
	}

	// The third tick was received; wait for its refresh to finish.
	deadline := time.Now().Add(time.Second)
	for loads.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := loads.Load(); got != 3 {
		t.Errorf("expected 3 refreshes, got %d", got)
	}
	if !stopped.Load() {
		t.Error("ticker not stopped")
	}
	if m, ok := c.Get(); !ok || m.Name != "v" {
		t.Errorf("cache = %+v ok=%v", m, ok)
	}
}

// chanSubscriber delivers messages from a channel.
type chanSubscriber struct {
	msgs chan cache.Message
}

func (s *chanSubscriber) Subscribe(ctx context.Context, handle func(cache.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.msgs:
			handle(m)
		}
	}
}

func TestFollow(t *testing.T) {
	c := cache.New(func(context.Context) (meta, error) { return meta{Name: "loaded"}, nil })
	sub := &chanSubscriber{msgs: make(chan cache.Message)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cache.Follow(ctx, c, sub, "metaUpdated", nil) }()

	body, _ := json.Marshal(meta{Name: "pushed", BlockedHosts: []string{"bad.example"}})
	sub.msgs <- cache.Message{Type: "somethingElse", Body: []byte(`{"name":"ignored"}`)}
	sub.msgs <- cache.Message{Type: "metaUpdated", Body: body}
	// An unbuffered send returns once the previous message was handled.
	sub.msgs <- cache.Message{Type: "somethingElse"}

	m, ok := c.Get()
	if !ok || m.Name != "pushed" || len(m.BlockedHosts) != 1 {
		t.Fatalf("cache = %+v ok=%v", m, ok)
	}

	sub.msgs <- cache.Message{Type: "metaUpdated", Body: []byte(`{broken`)}
	sub.msgs <- cache.Message{Type: "somethingElse"}
	if _, ok := c.Get(); ok {
		t.Error("undecodable body should invalidate the cache")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Follow = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Follow did not return")
	}
}

// flakySubscriber fails its first subscriptions, then behaves like
// chanSubscriber.
type flakySubscriber struct {
	chanSubscriber
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakySubscriber) Subscribe(ctx context.Context, handle func(cache.Message)) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection refused")
	}
	return s.chanSubscriber.Subscribe(ctx, handle)
}

func TestFollowRetryResubscribes(t *testing.T) {
	c := cache.New(func(context.Context) (meta, error) { return meta{Name: "loaded"}, nil })
	sub := &flakySubscriber{chanSubscriber: chanSubscriber{msgs: make(chan cache.Message)}}
	sub.failures.Store(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- cache.FollowRetry(ctx, c, sub, "metaUpdated", nil, 5*time.Millisecond, 20*time.Millisecond)
	}()

	body, _ := json.Marshal(meta{Name: "pushed", BlockedHosts: []string{"bad.example"}})
	select {
	case sub.msgs <- cache.Message{Type: "metaUpdated", Body: body}:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never recovered")
	}
	sub.msgs <- cache.Message{Type: "somethingElse"}

	m, ok := c.Get()
	if !ok || m.Name != "pushed" {
		t.Fatalf("cache = %+v ok=%v", m, ok)
	}
	if n := sub.calls.Load(); n != 3 {
		t.Errorf("subscribe calls = %d, want 3", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("FollowRetry = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("FollowRetry did not return")
	}
}

func TestFollowRetryStopsWhileWaiting(t *testing.T) {
	c := cache.New(func(context.Context) (meta, error) { return meta{}, nil })
	sub := &flakySubscriber{chanSubscriber: chanSubscriber{msgs: make(chan cache.Message)}}
	sub.failures.Store(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- cache.FollowRetry(ctx, c, sub, "metaUpdated", nil, time.Hour, time.Hour)
	}()

	deadline := time.Now().Add(time.Second)
	for sub.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("FollowRetry = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("FollowRetry did not return during its retry delay")
	}
}
