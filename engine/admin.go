package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/courier/job"
	"github.com/xraph/courier/jobs"
	"github.com/xraph/courier/queue"
)

// QueueStats counts the jobs of one queue per state.
type QueueStats struct {
	Queue  string
	Counts map[job.State]int64
	// Active is the number of leases held by this process.
	Active int
}

// Stats returns the job counts of every queue in registry order.
func (eng *Engine) Stats(ctx context.Context) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(eng.pools))
	for _, cfg := range eng.queues.Configs() {
		qs := QueueStats{Queue: cfg.Name, Counts: make(map[job.State]int64, len(job.States))}
		for _, st := range job.States {
			n, err := eng.store.CountJobs(ctx, job.CountOpts{Queue: cfg.Name, State: st})
			if err != nil {
				return nil, fmt.Errorf("count %s/%s: %w", cfg.Name, st, err)
			}
			qs.Counts[st] = n
		}
		if p, err := eng.Pool(cfg.Name); err == nil {
			qs.Active = p.Active()
		}
		out = append(out, qs)
	}
	return out, nil
}

// HostCount is the number of delayed inbox jobs signed by one host.
type HostCount struct {
	Host  string
	Count int
}

// delayedScanPage is the page size used when scanning delayed jobs.
const delayedScanPage = 500

// DelayedInboxHosts groups the delayed inbox jobs by the host of their
// signing key, most delayed first. Jobs without a parseable key id are
// counted under "".
func (eng *Engine) DelayedInboxHosts(ctx context.Context) ([]HostCount, error) {
	counts := make(map[string]int)
	for offset := 0; ; offset += delayedScanPage {
		page, err := eng.store.ListJobsByState(ctx, queue.Inbox, job.StateDelayed, job.ListOpts{
			Limit:  delayedScanPage,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		for _, j := range page {
			var p jobs.InboxPayload
			_ = json.Unmarshal(j.Payload, &p)
			counts[p.SenderHost()]++
		}
		if len(page) < delayedScanPage {
			break
		}
	}

	out := make([]HostCount, 0, len(counts))
	for host, n := range counts {
		out = append(out, HostCount{Host: host, Count: n})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Count != out[k].Count {
			return out[i].Count > out[k].Count
		}
		return out[i].Host < out[k].Host
	})
	return out, nil
}

// GetJob returns a job by id.
func (eng *Engine) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// Promote makes a delayed job immediately leasable.
func (eng *Engine) Promote(ctx context.Context, jobID string) error {
	return eng.store.PromoteJob(ctx, jobID)
}

// Retry returns a failed job to waiting with a fresh attempt budget.
func (eng *Engine) Retry(ctx context.Context, jobID string) error {
	return eng.store.RetryJob(ctx, jobID)
}

// Clean deletes up to limit jobs of the queue that finished in state more
// than grace ago. limit <= 0 means no limit.
func (eng *Engine) Clean(ctx context.Context, queueName string, state job.State, grace time.Duration, limit int) (int, error) {
	if _, err := eng.queues.Get(queueName); err != nil {
		return 0, err
	}
	return eng.store.CleanJobs(ctx, queueName, state, time.Now().UTC().Add(-grace), limit)
}
