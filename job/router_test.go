package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

type deliverPayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func TestRouter_RegisterAndRoute(t *testing.T) {
	r := job.NewRouter("deliver")

	var got deliverPayload
	def := job.NewDefinition("deliver", func(_ context.Context, p deliverPayload) (string, error) {
		got = p
		return "Success", nil
	})
	if err := job.Register(r, def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Freeze()

	h, err := r.Route("deliver")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	payload, _ := json.Marshal(deliverPayload{To: "https://remote.example/inbox", Content: "hi"})
	res, err := h(context.Background(), &job.Job{Name: "deliver", Payload: payload})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "Success" {
		t.Errorf("result = %q, want %q", res, "Success")
	}
	if got.To != "https://remote.example/inbox" {
		t.Errorf("To = %q, want %q", got.To, "https://remote.example/inbox")
	}
}

func TestRouter_UnknownNameIsUnrecoverable(t *testing.T) {
	r := job.NewRouter("inbox")
	r.Freeze()

	_, err := r.Route("nonexistent")
	if !errors.Is(err, courier.ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
	if !job.IsUnrecoverable(err) {
		t.Error("routing error should be unrecoverable")
	}
	if r.Has("nonexistent") {
		t.Error("Has() = true for unknown name")
	}
}

func TestRouter_FrozenRejectsRoutes(t *testing.T) {
	r := job.NewRouter("system")
	r.Freeze()

	err := r.Handle("tickCharts", func(context.Context, *job.Job) (string, error) { return "", nil })
	if !errors.Is(err, courier.ErrRouterFrozen) {
		t.Fatalf("err = %v, want ErrRouterFrozen", err)
	}
	if !r.Frozen() {
		t.Error("Frozen() = false after Freeze")
	}
}

func TestRouter_DuplicateRoute(t *testing.T) {
	r := job.NewRouter("system")
	noop := job.NewDefinition("clean", func(context.Context, struct{}) (string, error) { return "", nil })

	if err := job.Register(r, noop); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := job.Register(r, noop); !errors.Is(err, courier.ErrDuplicateRoute) {
		t.Fatalf("err = %v, want ErrDuplicateRoute", err)
	}
}

func TestRouter_Names(t *testing.T) {
	r := job.NewRouter("relationship")
	for _, name := range []string{"unfollow", "block", "follow"} {
		job.MustRegister(r, job.NewDefinition(name, func(context.Context, struct{}) (string, error) { return "", nil }))
	}

	names := r.Names()
	want := []string{"block", "follow", "unfollow"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	if r.Queue() != "relationship" {
		t.Errorf("Queue() = %q", r.Queue())
	}
}

func TestRouter_BadPayloadIsUnrecoverable(t *testing.T) {
	r := job.NewRouter("deliver")
	job.MustRegister(r, job.NewDefinition("deliver", func(context.Context, deliverPayload) (string, error) {
		t.Fatal("handler should not run")
		return "", nil
	}))

	h, err := r.Route("deliver")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	_, err = h(context.Background(), &job.Job{Payload: []byte("{not json")})
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
	if !job.IsUnrecoverable(err) {
		t.Error("unmarshal error should be unrecoverable")
	}
}

func TestRouter_HandlerErrorPropagates(t *testing.T) {
	r := job.NewRouter("deliver")
	boom := errors.New("connection refused")
	job.MustRegister(r, job.NewDefinition("deliver", func(context.Context, deliverPayload) (string, error) {
		return "", boom
	}))

	h, _ := r.Route("deliver")
	_, err := h(context.Background(), &job.Job{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if job.IsUnrecoverable(err) {
		t.Error("plain handler error should be recoverable")
	}
}
