package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/courier/job"
)

// ErrNotImplemented is returned, marked unrecoverable, by the Unimplemented
// processors.
var ErrNotImplemented = errors.New("jobs: processor not implemented")

func notImplemented(queue, name string) error {
	return job.Unrecoverable(fmt.Errorf("%w: %s/%s", ErrNotImplemented, queue, name))
}

// Job names.
const (
	// system
	JobTickCharts          = "tickCharts"
	JobResyncCharts        = "resyncCharts"
	JobCleanCharts         = "cleanCharts"
	JobAggregateRetention  = "aggregateRetention"
	JobCheckExpiredMutings = "checkExpiredMutings"
	JobClean               = "clean"
	// db
	JobDeleteDriveFiles    = "deleteDriveFiles"
	JobExportCustomEmojis  = "exportCustomEmojis"
	JobExportNotes         = "exportNotes"
	JobExportFavorites     = "exportFavorites"
	JobExportFollowing     = "exportFollowing"
	JobExportMuting        = "exportMuting"
	JobExportBlocking      = "exportBlocking"
	JobExportUserLists     = "exportUserLists"
	JobExportAntennas      = "exportAntennas"
	JobImportFollowing     = "importFollowing"
	JobImportFollowingToDb = "importFollowingToDb"
	JobImportMuting        = "importMuting"
	JobImportBlocking      = "importBlocking"
	JobImportBlockingToDb  = "importBlockingToDb"
	JobImportUserLists     = "importUserLists"
	JobImportCustomEmojis  = "importCustomEmojis"
	JobImportAntennas      = "importAntennas"
	JobDeleteAccount       = "deleteAccount"
	// deliver
	JobDeliver = "deliver"
	// inbox
	JobInbox = "inbox"
	// webhookDeliver
	JobWebhookDeliver = "webhookDeliver"
	// relationship
	JobFollow   = "follow"
	JobUnfollow = "unfollow"
	JobBlock    = "block"
	JobUnblock  = "unblock"
	// objectStorage
	JobDeleteFile       = "deleteFile"
	JobCleanRemoteFiles = "cleanRemoteFiles"
	// endedPollNotification
	JobEndedPollNotification = "endedPollNotification"
)

// ──────────────────────────────────────────────────
// system
// ──────────────────────────────────────────────────

// SystemProcessor runs the periodic maintenance jobs.
type SystemProcessor interface {
	TickCharts(ctx context.Context, p SystemPayload) (string, error)
	ResyncCharts(ctx context.Context, p SystemPayload) (string, error)
	CleanCharts(ctx context.Context, p SystemPayload) (string, error)
	AggregateRetention(ctx context.Context, p SystemPayload) (string, error)
	CheckExpiredMutings(ctx context.Context, p SystemPayload) (string, error)
	Clean(ctx context.Context, p SystemPayload) (string, error)
}

// UnimplementedSystemProcessor fails every system job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedSystemProcessor struct{}

func (UnimplementedSystemProcessor) TickCharts(context.Context, SystemPayload) (string, error) {
	return "", notImplemented("system", JobTickCharts)
}

func (UnimplementedSystemProcessor) ResyncCharts(context.Context, SystemPayload) (string, error) {
	return "", notImplemented("system", JobResyncCharts)
}

func (UnimplementedSystemProcessor) CleanCharts(context.Context, SystemPayload) (string, error) {
	return "", notImplemented("system", JobCleanCharts)
}

func (UnimplementedSystemProcessor) AggregateRetention(context.Context, SystemPayload) (string, error) {
	return "", notImplemented("system", JobAggregateRetention)
}

func (UnimplementedSystemProcessor) CheckExpiredMutings(context.Context, SystemPayload) (string, error) {
	return "", notImplemented("system", JobCheckExpiredMutings)
}

func (UnimplementedSystemProcessor) Clean(context.Context, SystemPayload) (string, error) {
	return "", notImplemented("system", JobClean)
}

// ──────────────────────────────────────────────────
// db
// ──────────────────────────────────────────────────

// DBProcessor runs per-user database jobs: exports, imports and deletions.
type DBProcessor interface {
	DeleteDriveFiles(ctx context.Context, p DBPayload) (string, error)
	ExportCustomEmojis(ctx context.Context, p DBPayload) (string, error)
	ExportNotes(ctx context.Context, p DBPayload) (string, error)
	ExportFavorites(ctx context.Context, p DBPayload) (string, error)
	ExportFollowing(ctx context.Context, p DBPayload) (string, error)
	ExportMuting(ctx context.Context, p DBPayload) (string, error)
	ExportBlocking(ctx context.Context, p DBPayload) (string, error)
	ExportUserLists(ctx context.Context, p DBPayload) (string, error)
	ExportAntennas(ctx context.Context, p DBPayload) (string, error)
	ImportFollowing(ctx context.Context, p DBPayload) (string, error)
	ImportFollowingToDb(ctx context.Context, p DBPayload) (string, error)
	ImportMuting(ctx context.Context, p DBPayload) (string, error)
	ImportBlocking(ctx context.Context, p DBPayload) (string, error)
	ImportBlockingToDb(ctx context.Context, p DBPayload) (string, error)
	ImportUserLists(ctx context.Context, p DBPayload) (string, error)
	ImportCustomEmojis(ctx context.Context, p DBPayload) (string, error)
	ImportAntennas(ctx context.Context, p DBPayload) (string, error)
	DeleteAccount(ctx context.Context, p DBPayload) (string, error)
}

// UnimplementedDBProcessor fails every db job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedDBProcessor struct{}

func (UnimplementedDBProcessor) DeleteDriveFiles(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobDeleteDriveFiles)
}

func (UnimplementedDBProcessor) ExportCustomEmojis(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportCustomEmojis)
}

func (UnimplementedDBProcessor) ExportNotes(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportNotes)
}

func (UnimplementedDBProcessor) ExportFavorites(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportFavorites)
}

func (UnimplementedDBProcessor) ExportFollowing(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportFollowing)
}

func (UnimplementedDBProcessor) ExportMuting(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportMuting)
}

func (UnimplementedDBProcessor) ExportBlocking(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportBlocking)
}

func (UnimplementedDBProcessor) ExportUserLists(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportUserLists)
}

func (UnimplementedDBProcessor) ExportAntennas(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobExportAntennas)
}

func (UnimplementedDBProcessor) ImportFollowing(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportFollowing)
}

func (UnimplementedDBProcessor) ImportFollowingToDb(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportFollowingToDb)
}

func (UnimplementedDBProcessor) ImportMuting(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportMuting)
}

func (UnimplementedDBProcessor) ImportBlocking(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportBlocking)
}

func (UnimplementedDBProcessor) ImportBlockingToDb(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportBlockingToDb)
}

func (UnimplementedDBProcessor) ImportUserLists(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportUserLists)
}

func (UnimplementedDBProcessor) ImportCustomEmojis(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportCustomEmojis)
}

func (UnimplementedDBProcessor) ImportAntennas(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobImportAntennas)
}

func (UnimplementedDBProcessor) DeleteAccount(context.Context, DBPayload) (string, error) {
	return "", notImplemented("db", JobDeleteAccount)
}

// ──────────────────────────────────────────────────
// deliver
// ──────────────────────────────────────────────────

// DeliverProcessor posts activities to remote inboxes.
type DeliverProcessor interface {
	Deliver(ctx context.Context, p DeliverPayload) (string, error)
}

// UnimplementedDeliverProcessor fails every deliver job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedDeliverProcessor struct{}

func (UnimplementedDeliverProcessor) Deliver(context.Context, DeliverPayload) (string, error) {
	return "", notImplemented("deliver", JobDeliver)
}

// ──────────────────────────────────────────────────
// inbox
// ──────────────────────────────────────────────────

// InboxProcessor verifies and applies inbound activities.
type InboxProcessor interface {
	Inbox(ctx context.Context, p InboxPayload) (string, error)
}

// UnimplementedInboxProcessor fails every inbox job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedInboxProcessor struct{}

func (UnimplementedInboxProcessor) Inbox(context.Context, InboxPayload) (string, error) {
	return "", notImplemented("inbox", JobInbox)
}

// ──────────────────────────────────────────────────
// webhookDeliver
// ──────────────────────────────────────────────────

// WebhookDeliverProcessor posts events to user-registered webhooks.
type WebhookDeliverProcessor interface {
	WebhookDeliver(ctx context.Context, p WebhookDeliverPayload) (string, error)
}

// UnimplementedWebhookDeliverProcessor fails every webhookDeliver job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedWebhookDeliverProcessor struct{}

func (UnimplementedWebhookDeliverProcessor) WebhookDeliver(context.Context, WebhookDeliverPayload) (string, error) {
	return "", notImplemented("webhookDeliver", JobWebhookDeliver)
}

// ──────────────────────────────────────────────────
// relationship
// ──────────────────────────────────────────────────

// RelationshipProcessor applies follow and block changes.
type RelationshipProcessor interface {
	Follow(ctx context.Context, p RelationshipPayload) (string, error)
	Unfollow(ctx context.Context, p RelationshipPayload) (string, error)
	Block(ctx context.Context, p RelationshipPayload) (string, error)
	Unblock(ctx context.Context, p RelationshipPayload) (string, error)
}

// UnimplementedRelationshipProcessor fails every relationship job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedRelationshipProcessor struct{}

func (UnimplementedRelationshipProcessor) Follow(context.Context, RelationshipPayload) (string, error) {
	return "", notImplemented("relationship", JobFollow)
}

func (UnimplementedRelationshipProcessor) Unfollow(context.Context, RelationshipPayload) (string, error) {
	return "", notImplemented("relationship", JobUnfollow)
}

func (UnimplementedRelationshipProcessor) Block(context.Context, RelationshipPayload) (string, error) {
	return "", notImplemented("relationship", JobBlock)
}

func (UnimplementedRelationshipProcessor) Unblock(context.Context, RelationshipPayload) (string, error) {
	return "", notImplemented("relationship", JobUnblock)
}

// ──────────────────────────────────────────────────
// objectStorage
// ──────────────────────────────────────────────────

// ObjectStorageProcessor manages objects in external storage.
type ObjectStorageProcessor interface {
	DeleteFile(ctx context.Context, p ObjectStoragePayload) (string, error)
	CleanRemoteFiles(ctx context.Context, p ObjectStoragePayload) (string, error)
}

// UnimplementedObjectStorageProcessor fails every objectStorage job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedObjectStorageProcessor struct{}

func (UnimplementedObjectStorageProcessor) DeleteFile(context.Context, ObjectStoragePayload) (string, error) {
	return "", notImplemented("objectStorage", JobDeleteFile)
}

func (UnimplementedObjectStorageProcessor) CleanRemoteFiles(context.Context, ObjectStoragePayload) (string, error) {
	return "", notImplemented("objectStorage", JobCleanRemoteFiles)
}

// ──────────────────────────────────────────────────
// endedPollNotification
// ──────────────────────────────────────────────────

// EndedPollNotificationProcessor notifies voters when a poll ends.
type EndedPollNotificationProcessor interface {
	EndedPollNotification(ctx context.Context, p EndedPollNotificationPayload) (string, error)
}

// UnimplementedEndedPollNotificationProcessor fails every endedPollNotification job unrecoverably. Embed it
// to implement only some of the jobs.
type UnimplementedEndedPollNotificationProcessor struct{}

func (UnimplementedEndedPollNotificationProcessor) EndedPollNotification(context.Context, EndedPollNotificationPayload) (string, error) {
	return "", notImplemented("endedPollNotification", JobEndedPollNotification)
}
