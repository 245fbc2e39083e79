package config

const (
	defaultStoreKind               = StoreMemory
	defaultRedisAddr               = "127.0.0.1:6379"
	defaultSQLitePath              = "~/.local/share/courier/courier.db"
	defaultDeliverConcurrency      = 128
	defaultDeliverPerSec           = 128
	defaultDeliverMaxAttempts      = 12
	defaultInboxConcurrency        = 16
	defaultInboxPerSec             = 16
	defaultInboxMaxAttempts        = 8
	defaultRelationshipConcurrency = 16
	defaultRelationshipPerSec      = 64
	defaultPollIntervalMS          = 1000
	defaultLockDurationSeconds     = 30
	defaultStalledIntervalSeconds  = 30
	defaultMaxStalledCount         = 1
	defaultShutdownTimeoutSeconds  = 30
	defaultLogFormat               = "text"
	defaultLogLevel                = "info"
	defaultMetaRefreshSeconds      = 300
	defaultMetaChannel             = "courier"
	defaultLockFile                = "~/.local/share/courier/courierd.lock"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Store: Store{
			Kind:       defaultStoreKind,
			RedisAddr:  defaultRedisAddr,
			SQLitePath: defaultSQLitePath,
		},
		Queues: Queues{
			DeliverJobConcurrency:      defaultDeliverConcurrency,
			DeliverJobPerSec:           defaultDeliverPerSec,
			DeliverJobMaxAttempts:      defaultDeliverMaxAttempts,
			InboxJobConcurrency:        defaultInboxConcurrency,
			InboxJobPerSec:             defaultInboxPerSec,
			InboxJobMaxAttempts:        defaultInboxMaxAttempts,
			RelationshipJobConcurrency: defaultRelationshipConcurrency,
			RelationshipJobPerSec:      defaultRelationshipPerSec,
		},
		Worker: Worker{
			PollIntervalMS:         defaultPollIntervalMS,
			LockDurationSeconds:    defaultLockDurationSeconds,
			StalledIntervalSeconds: defaultStalledIntervalSeconds,
			MaxStalledCount:        defaultMaxStalledCount,
			ShutdownTimeoutSeconds: defaultShutdownTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Meta: Meta{
			RefreshIntervalSeconds: defaultMetaRefreshSeconds,
			RedisChannel:           defaultMetaChannel,
		},
		Daemon: Daemon{
			LockFile: defaultLockFile,
		},
	}
}
