package jobs

import (
	"fmt"

	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
)

// Processors holds one processor per queue. Nil fields fall back to the
// Unimplemented processor of the queue.
type Processors struct {
	System                SystemProcessor
	DB                    DBProcessor
	Deliver               DeliverProcessor
	Inbox                 InboxProcessor
	WebhookDeliver        WebhookDeliverProcessor
	Relationship          RelationshipProcessor
	ObjectStorage         ObjectStorageProcessor
	EndedPollNotification EndedPollNotificationProcessor
}

func (p Processors) withDefaults() Processors {
	if p.System == nil {
		p.System = UnimplementedSystemProcessor{}
	}
	if p.DB == nil {
		p.DB = UnimplementedDBProcessor{}
	}
	if p.Deliver == nil {
		p.Deliver = UnimplementedDeliverProcessor{}
	}
	if p.Inbox == nil {
		p.Inbox = UnimplementedInboxProcessor{}
	}
	if p.WebhookDeliver == nil {
		p.WebhookDeliver = UnimplementedWebhookDeliverProcessor{}
	}
	if p.Relationship == nil {
		p.Relationship = UnimplementedRelationshipProcessor{}
	}
	if p.ObjectStorage == nil {
		p.ObjectStorage = UnimplementedObjectStorageProcessor{}
	}
	if p.EndedPollNotification == nil {
		p.EndedPollNotification = UnimplementedEndedPollNotificationProcessor{}
	}
	return p
}

// Routes builds the frozen router of every queue from the processors.
func Routes(p Processors) (map[string]*job.Router, error) {
	p = p.withDefaults()
	routers := make(map[string]*job.Router, len(queue.Names))

	system := job.NewRouter(queue.System)
	if err := register(system,
		job.NewDefinition(JobTickCharts, p.System.TickCharts),
		job.NewDefinition(JobResyncCharts, p.System.ResyncCharts),
		job.NewDefinition(JobCleanCharts, p.System.CleanCharts),
		job.NewDefinition(JobAggregateRetention, p.System.AggregateRetention),
		job.NewDefinition(JobCheckExpiredMutings, p.System.CheckExpiredMutings),
		job.NewDefinition(JobClean, p.System.Clean),
	); err != nil {
		return nil, err
	}
	routers[queue.System] = system

	db := job.NewRouter(queue.DB)
	if err := register(db,
		job.NewDefinition(JobDeleteDriveFiles, p.DB.DeleteDriveFiles),
		job.NewDefinition(JobExportCustomEmojis, p.DB.ExportCustomEmojis),
		job.NewDefinition(JobExportNotes, p.DB.ExportNotes),
		job.NewDefinition(JobExportFavorites, p.DB.ExportFavorites),
		job.NewDefinition(JobExportFollowing, p.DB.ExportFollowing),
		job.NewDefinition(JobExportMuting, p.DB.ExportMuting),
		job.NewDefinition(JobExportBlocking, p.DB.ExportBlocking),
		job.NewDefinition(JobExportUserLists, p.DB.ExportUserLists),
		job.NewDefinition(JobExportAntennas, p.DB.ExportAntennas),
		job.NewDefinition(JobImportFollowing, p.DB.ImportFollowing),
		job.NewDefinition(JobImportFollowingToDb, p.DB.ImportFollowingToDb),
		job.NewDefinition(JobImportMuting, p.DB.ImportMuting),
		job.NewDefinition(JobImportBlocking, p.DB.ImportBlocking),
		job.NewDefinition(JobImportBlockingToDb, p.DB.ImportBlockingToDb),
		job.NewDefinition(JobImportUserLists, p.DB.ImportUserLists),
		job.NewDefinition(JobImportCustomEmojis, p.DB.ImportCustomEmojis),
		job.NewDefinition(JobImportAntennas, p.DB.ImportAntennas),
		job.NewDefinition(JobDeleteAccount, p.DB.DeleteAccount),
	); err != nil {
		return nil, err
	}
	routers[queue.DB] = db

	deliver := job.NewRouter(queue.Deliver)
	if err := register(deliver,
		job.NewDefinition(JobDeliver, p.Deliver.Deliver),
	); err != nil {
		return nil, err
	}
	routers[queue.Deliver] = deliver

	inbox := job.NewRouter(queue.Inbox)
	if err := register(inbox,
		job.NewDefinition(JobInbox, p.Inbox.Inbox),
	); err != nil {
		return nil, err
	}
	routers[queue.Inbox] = inbox

	webhookDeliver := job.NewRouter(queue.WebhookDeliver)
	if err := register(webhookDeliver,
		job.NewDefinition(JobWebhookDeliver, p.WebhookDeliver.WebhookDeliver),
	); err != nil {
		return nil, err
	}
	routers[queue.WebhookDeliver] = webhookDeliver

	relationship := job.NewRouter(queue.Relationship)
	if err := register(relationship,
		job.NewDefinition(JobFollow, p.Relationship.Follow),
		job.NewDefinition(JobUnfollow, p.Relationship.Unfollow),
		job.NewDefinition(JobBlock, p.Relationship.Block),
		job.NewDefinition(JobUnblock, p.Relationship.Unblock),
	); err != nil {
		return nil, err
	}
	routers[queue.Relationship] = relationship

	objectStorage := job.NewRouter(queue.ObjectStorage)
	if err := register(objectStorage,
		job.NewDefinition(JobDeleteFile, p.ObjectStorage.DeleteFile),
		job.NewDefinition(JobCleanRemoteFiles, p.ObjectStorage.CleanRemoteFiles),
	); err != nil {
		return nil, err
	}
	routers[queue.ObjectStorage] = objectStorage

	endedPollNotification := job.NewRouter(queue.EndedPollNotification)
	if err := register(endedPollNotification,
		job.NewDefinition(JobEndedPollNotification, p.EndedPollNotification.EndedPollNotification),
	); err != nil {
		return nil, err
	}
	routers[queue.EndedPollNotification] = endedPollNotification

	for _, router := range routers {
		router.Freeze()
	}
	return routers, nil
}

// MustRoutes is like Routes but panics on error.
func MustRoutes(p Processors) map[string]*job.Router {
	routers, err := Routes(p)
	if err != nil {
		panic(err)
	}
	return routers
}

func register[T any](r *job.Router, defs ...*job.Definition[T]) error {
	for _, def := range defs {
		if err := job.Register(r, def); err != nil {
			return fmt.Errorf("jobs: route %s/%s: %w", r.Queue(), def.Name, err)
		}
	}
	return nil
}
