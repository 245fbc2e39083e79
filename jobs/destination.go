package jobs

import (
	"encoding/json"

	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
)

// Destination returns the remote host a delivery-class job talks to, or ""
// for jobs of other queues. Pools use it to throttle per destination host.
func Destination(j *job.Job) string {
	switch j.Queue {
	case queue.Deliver, queue.WebhookDeliver:
	default:
		return ""
	}
	var p struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return ""
	}
	return hostOf(p.To)
}
