// Package jobs defines the job catalogue of every queue: the payload types
// producers enqueue, one processor interface per queue with a method per job
// name, and the routing tables built from those processors.
package jobs

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Ref identifies an entity by id.
type Ref struct {
	ID string `json:"id"`
}

// SystemPayload is the payload of system maintenance jobs.
type SystemPayload struct{}

// DBPayload is the payload of database jobs, all of which act on one user.
type DBPayload struct {
	User Ref `json:"user"`

	// FileID selects the drive file for imports.
	FileID string `json:"fileId,omitempty"`

	// Soft marks a soft account deletion.
	Soft bool `json:"soft,omitempty"`

	// WithReplies includes replies in exported or imported lists.
	WithReplies bool `json:"withReplies,omitempty"`
}

// DeliverPayload is an outbound activity for one remote inbox.
type DeliverPayload struct {
	User          Ref             `json:"user"`
	Content       json.RawMessage `json:"content"`
	To            string          `json:"to"`
	IsSharedInbox bool            `json:"isSharedInbox"`
}

// Activity is the envelope of an inbound activity.
type Activity struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor string `json:"actor"`
}

// Signature is the parsed HTTP signature of an inbound request.
type Signature struct {
	KeyID     string   `json:"keyId"`
	Algorithm string   `json:"algorithm"`
	Headers   []string `json:"headers"`
	Signature string   `json:"signature"`
}

// InboxPayload is an inbound activity with the request signature.
type InboxPayload struct {
	Activity  Activity  `json:"activity"`
	Signature Signature `json:"signature"`
}

// SenderHost returns the host of the signing key, or "" when the key id
// is not a URL.
func (p InboxPayload) SenderHost() string {
	return hostOf(p.Signature.KeyID)
}

// WebhookDeliverPayload is one webhook event for a user-registered endpoint.
type WebhookDeliverPayload struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	WebhookID string          `json:"webhookId"`
	UserID    string          `json:"userId"`
	To        string          `json:"to"`
	Secret    string          `json:"secret"`
	CreatedAt int64           `json:"createdAt"`
	EventID   string          `json:"eventId"`
}

// RelationshipPayload describes a follow or block between two users.
type RelationshipPayload struct {
	From      Ref    `json:"from"`
	To        Ref    `json:"to"`
	RequestID string `json:"requestId,omitempty"`
	Silent    bool   `json:"silent,omitempty"`
}

// ObjectStoragePayload names a stored object.
type ObjectStoragePayload struct {
	Key string `json:"key"`
}

// EndedPollNotificationPayload names the note whose poll ended.
type EndedPollNotificationPayload struct {
	NoteID string `json:"noteId"`
}

// hostOf returns the lower-cased host of a URL, or "".
func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
