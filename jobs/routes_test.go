package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/jobs"
	"github.com/xraph/courier/queue"
)

func TestRoutesCoverEveryQueue(t *testing.T) {
	routers, err := jobs.Routes(jobs.Processors{})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string][]string{
		queue.System:                {"aggregateRetention", "checkExpiredMutings", "clean", "cleanCharts", "resyncCharts", "tickCharts"},
		queue.Deliver:               {"deliver"},
		queue.Inbox:                 {"inbox"},
		queue.WebhookDeliver:        {"webhookDeliver"},
		queue.Relationship:          {"block", "follow", "unblock", "unfollow"},
		queue.ObjectStorage:         {"cleanRemoteFiles", "deleteFile"},
		queue.EndedPollNotification: {"endedPollNotification"},
	}
	if len(routers) != len(queue.Names) {
		t.Fatalf("expected %d routers, got %d", len(queue.Names), len(routers))
	}
	for q, names := range want {
		r, ok := routers[q]
		if !ok {
			t.Fatalf("no router for %s", q)
		}
		got := r.Names()
		if len(got) != len(names) {
			t.Errorf("%s: names = %v, want %v", q, got, names)
			continue
		}
		for i := range names {
			if got[i] != names[i] {
				t.Errorf("%s: names = %v, want %v", q, got, names)
				break
			}
		}
		if !r.Frozen() {
			t.Errorf("%s router not frozen", q)
		}
	}
	if n := len(routers[queue.DB].Names()); n != 18 {
		t.Errorf("db router has %d jobs, want 18", n)
	}
}

func TestUnimplementedFailsUnrecoverably(t *testing.T) {
	routers := jobs.MustRoutes(jobs.Processors{})

	h, err := routers[queue.Relationship].Route(jobs.JobFollow)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h(context.Background(), &job.Job{Queue: queue.Relationship, Name: jobs.JobFollow, Payload: []byte(`{}`)})
	if !errors.Is(err, jobs.ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
	if !job.IsUnrecoverable(err) {
		t.Error("unimplemented job must be unrecoverable")
	}
}

func TestUnknownNameIsRoutingError(t *testing.T) {
	routers := jobs.MustRoutes(jobs.Processors{})
	_, err := routers[queue.Deliver].Route("follow")
	if !errors.Is(err, courier.ErrUnknownJob) || !job.IsUnrecoverable(err) {
		t.Errorf("expected unrecoverable ErrUnknownJob, got %v", err)
	}
}

type followProcessor struct {
	jobs.UnimplementedRelationshipProcessor
	got jobs.RelationshipPayload
}

func (p *followProcessor) Follow(_ context.Context, payload jobs.RelationshipPayload) (string, error) {
	p.got = payload
	return "ok", nil
}

func TestProcessorReceivesDecodedPayload(t *testing.T) {
	p := &followProcessor{}
	routers := jobs.MustRoutes(jobs.Processors{Relationship: p})

	payload, _ := json.Marshal(jobs.RelationshipPayload{
		From: jobs.Ref{ID: "u1"},
		To:   jobs.Ref{ID: "u2"},
	})
	h, err := routers[queue.Relationship].Route(jobs.JobFollow)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h(context.Background(), &job.Job{Queue: queue.Relationship, Name: jobs.JobFollow, Payload: payload})
	if err != nil || res != "ok" {
		t.Fatalf("follow = %q, %v", res, err)
	}
	if p.got.From.ID != "u1" || p.got.To.ID != "u2" {
		t.Errorf("payload = %+v", p.got)
	}

	// Methods not overridden still fail.
	h, _ = routers[queue.Relationship].Route(jobs.JobBlock)
	if _, err := h(context.Background(), &job.Job{Payload: payload}); !errors.Is(err, jobs.ErrNotImplemented) {
		t.Errorf("block = %v", err)
	}
}

func TestDestination(t *testing.T) {
	tests := []struct {
		queue   string
		payload string
		want    string
	}{
		{queue.Deliver, `{"to":"https://Remote.Example/inbox"}`, "remote.example"},
		{queue.WebhookDeliver, `{"to":"https://hooks.example:8443/x"}`, "hooks.example:8443"},
		{queue.Inbox, `{"to":"https://remote.example/inbox"}`, ""},
		{queue.Deliver, `not json`, ""},
		{queue.Deliver, `{}`, ""},
	}
	for _, tt := range tests {
		got := jobs.Destination(&job.Job{Queue: tt.queue, Payload: []byte(tt.payload)})
		if got != tt.want {
			t.Errorf("Destination(%s, %s) = %q, want %q", tt.queue, tt.payload, got, tt.want)
		}
	}
}

func TestInboxSenderHost(t *testing.T) {
	var p jobs.InboxPayload
	raw := `{"activity":{"id":"https://a.example/act/1","type":"Create"},"signature":{"keyId":"https://A.example/users/x#main-key"}}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	if got := p.SenderHost(); got != "a.example" {
		t.Errorf("SenderHost = %q", got)
	}
	if got := (jobs.InboxPayload{}).SenderHost(); got != "" {
		t.Errorf("empty SenderHost = %q", got)
	}
}

func TestIsBlockedHost(t *testing.T) {
	m := jobs.InstanceMeta{BlockedHosts: []string{"bad.example", "Evil.Example"}}
	tests := map[string]bool{
		"bad.example":          true,
		"sub.bad.example":      true,
		"notbad.example":       false,
		"evil.example":         true,
		"good.example":         false,
		"":                     false,
		"deep.sub.BAD.example": true,
	}
	for host, want := range tests {
		if got := m.IsBlockedHost(host); got != want {
			t.Errorf("IsBlockedHost(%q) = %v, want %v", host, got, want)
		}
	}
}
