// Package app builds the components shared by the gateway and dispatcher
// binaries from one config.Config.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/api"
	"github.com/lalithlochan/relay/internal/broker"
	"github.com/lalithlochan/relay/internal/circuitbreaker"
	"github.com/lalithlochan/relay/internal/config"
	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/payments"
	"github.com/lalithlochan/relay/internal/permissions"
	"github.com/lalithlochan/relay/internal/redis"
	"github.com/lalithlochan/relay/internal/reminders"
	"github.com/lalithlochan/relay/internal/sns"
	"github.com/lalithlochan/relay/internal/sqs"
	"github.com/lalithlochan/relay/internal/stream"
	"github.com/lalithlochan/relay/internal/worker"
)

// RetryQueueName is the scheduled queue holding notification redeliveries.
const RetryQueueName = "retries"

// Store is the persistence surface every component needs.
type Store interface {
	dispatch.Store
	payments.Store
	permissions.Store
}

// App holds the wired components. Optional parts are nil when their backing
// service is not configured.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     Store
	Connector broker.Connector
	Publisher *broker.CachedPublisher
	Hub       *stream.Hub
	Breakers  *circuitbreaker.Group

	Orchestrator *dispatch.Orchestrator
	Payments     *payments.Syncer
	Permissions  *permissions.Service // nil without PERMISSION_SYNC_QUEUE_URL

	Redis       *redis.Client // nil when Redis is unreachable and not required
	Retries     *redis.ScheduledQueue
	ReminderQ   *redis.ScheduledQueue
	Reminders   *reminders.Service
	RateLimiter *redis.RateLimiter

	database *db.DB
}

// Options controls which dependencies are mandatory.
type Options struct {
	// RequireRedis fails Build when Redis is unreachable instead of running
	// without the pubsub channel, rate limiting and scheduled queues.
	RequireRedis bool
}

// Build connects to the configured backends and wires the orchestrator.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Connector: broker.NewAMQPConnector(cfg.AMQPURL),
		Hub:       stream.NewHub(logger),
		Breakers:  circuitbreaker.NewGroup(circuitbreaker.DefaultConfig(""), logger),
	}
	a.Publisher = broker.NewCachedPublisher(a.Connector, broker.PublisherConfig{Confirm: cfg.PublishConfirm}, logger)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if err := a.openRedis(ctx, opts.RequireRedis); err != nil {
		_ = a.Close()
		return nil, err
	}

	channels := a.channels(ctx)

	var retries dispatch.Scheduler
	if a.Retries != nil {
		retries = a.Retries
	}
	a.Orchestrator = dispatch.New(a.Store, channels, a.Breakers, retries, dispatch.Config{
		DefaultChannels: defaultChannels(cfg.NotifyChannels, channels, logger),
		DedupTTL:        cfg.DedupTTL,
		RetryLimit:      cfg.RetryLimit,
		RetryDelay:      cfg.RetryDelay,
	}, logger)

	a.Payments = payments.NewSyncer(a.Store, a.Publisher, cfg.EventsExchange, logger)

	if a.ReminderQ != nil {
		a.Reminders = reminders.NewService(a.ReminderQ, a.Orchestrator, logger)
	}

	if cfg.PermissionSyncQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.PermissionSyncQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, permission sync disabled", zap.Error(err))
		} else {
			a.Permissions = permissions.NewService(a.Store, producer, logger)
		}
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Store == "memory" {
		a.Logger.Warn("using in-memory store, data is lost on restart")
		a.Store = db.NewMemoryStore()
		return nil
	}

	database, err := db.New(ctx, db.Config{
		URL:      a.Config.DatabaseURL,
		Host:     a.Config.DBHost,
		Port:     a.Config.DBPort,
		User:     a.Config.DBUser,
		Password: a.Config.DBPassword,
		Database: a.Config.DBName,
		SSLMode:  a.Config.DBSSLMode,
		MaxConns: int32(a.Config.DBMaxConns),
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.database = database
	a.Store = db.NewRepository(database, a.Logger)
	return nil
}

func (a *App) openRedis(ctx context.Context, required bool) error {
	client, err := redis.New(ctx, redis.Config{
		Host:     a.Config.RedisHost,
		Port:     a.Config.RedisPort,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}, a.Logger)
	if err != nil {
		if required {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Logger.Warn("redis unavailable, pubsub channel, rate limiting and scheduling disabled",
			zap.Error(err),
			zap.String("host", a.Config.RedisHost),
		)
		return nil
	}

	a.Redis = client
	a.Retries = redis.NewScheduledQueue(client, RetryQueueName, a.Logger)
	a.ReminderQ = redis.NewScheduledQueue(client, reminders.QueueName, a.Logger)
	if a.Config.RateLimitPerMinute > 0 {
		a.RateLimiter = redis.NewRateLimiter(client, a.Logger, redis.RateLimitConfig{
			Limit:  a.Config.RateLimitPerMinute,
			Window: time.Minute,
		})
	}
	return nil
}

// channels returns every delivery channel this process can serve.
func (a *App) channels(ctx context.Context) []dispatch.Channel {
	channels := []dispatch.Channel{
		dispatch.NewBrokerChannel(a.Publisher, a.Config.EventsExchange),
		dispatch.NewStreamChannel(a.Hub),
	}
	if a.Redis != nil {
		channels = append(channels, dispatch.NewPubSubChannel(redis.NewPubSub(a.Redis, a.Logger), ""))
	}

	if a.Config.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   a.Config.AWSRegion,
			TopicARN: a.Config.SNSTopicARN,
			Endpoint: a.Config.AWSEndpoint,
		}, a.Logger)
		if err != nil {
			a.Logger.Warn("sns channel unavailable", zap.Error(err))
		} else {
			channels = append(channels, publisher)
		}
	}

	if a.Config.SESFromEmail != "" {
		email, err := worker.NewEmailChannel(ctx, worker.SESConfig{
			Region:    a.Config.AWSRegion,
			FromEmail: a.Config.SESFromEmail,
			Endpoint:  a.Config.AWSEndpoint,
		}, a.Logger)
		if err != nil {
			a.Logger.Warn("email channel unavailable", zap.Error(err))
		} else {
			channels = append(channels, email)
		}
	}

	return channels
}

// defaultChannels keeps the configured defaults this process can serve.
func defaultChannels(wanted []string, available []dispatch.Channel, logger *zap.Logger) []string {
	have := make(map[string]bool, len(available))
	for _, ch := range available {
		have[ch.Name()] = true
	}

	var out []string
	for _, name := range wanted {
		if !have[name] {
			logger.Warn("default channel not available, skipping", zap.String("channel", name))
			continue
		}
		out = append(out, name)
	}
	return out
}

// Close releases every connection Build opened.
func (a *App) Close() error {
	var err error
	if a.Publisher != nil {
		err = multierr.Append(err, a.Publisher.Close())
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.database != nil {
		a.database.Close()
	}
	return err
}

// Health returns the checks for the /health endpoint.
func (a *App) Health() map[string]api.HealthCheck {
	checks := make(map[string]api.HealthCheck)
	if a.database != nil {
		checks["postgres"] = a.database.Health
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Ping
	}
	return checks
}
