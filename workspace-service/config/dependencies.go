package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/draftea/workspace-manager/shared/events"
	sharedinfra "github.com/draftea/workspace-manager/shared/infrastructure"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/draftea/workspace-manager/workspace-service/application"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/draftea/workspace-manager/workspace-service/handlers"
	"github.com/draftea/workspace-manager/workspace-service/infrastructure"
	"github.com/draftea/workspace-manager/workspace-service/sagas"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type Dependencies struct {
	Logger *logger.Logger

	// Telemetry
	Telemetry         *telemetry.Telemetry
	telemetryShutdown func()

	// Storage
	DB            *sqlx.DB
	Redis         *redis.Client
	RunStore      saga.Store
	EventStore    events.EventStore
	Resources     domain.ResourceRepository
	CloudContexts domain.CloudContextRepository
	Locker        domain.ResourceLocker

	// Cloud
	Cloud *infrastructure.SandboxCloud

	// Engine
	Engine *saga.Engine

	// Use Cases
	SubmitJob    *application.SubmitJob
	GetJob       *application.GetJob
	WaitForJob   *application.WaitForJob
	ListJobs     *application.ListJobs
	GetJobEvents *application.GetJobEvents
	JobNotifier  *application.JobNotifier

	// HTTP Handlers
	JobHandlers *handlers.JobHandlers

	// Event Handlers
	JobEventHandlers *handlers.JobEventHandlers

	// Messaging
	EventPublisher  events.Publisher
	EventSubscriber events.Subscriber
	sqsSubscriber   *sharedinfra.SQSEventSubscriber
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger.New(config.ServiceName, os.Stdout).WithLevel(config.LogLevel),
	}

	if config.Telemetry.Enabled {
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telemetry.NewConfigForService(
			config.ServiceName, config.Telemetry.Version, config.Telemetry.OTLPEndpoint,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		deps.Telemetry = tel
		deps.telemetryShutdown = shutdown
	}

	if err := deps.buildStorage(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}

	if err := deps.buildMessaging(ctx, config); err != nil {
		deps.Close()
		return nil, err
	}

	// Initialize cloud collaborators
	var sandboxOpts []infrastructure.SandboxOption
	if config.Sandbox.OpenAccess {
		sandboxOpts = append(sandboxOpts, infrastructure.WithOpenAccess())
	}
	deps.Cloud = infrastructure.NewSandboxCloud(sandboxOpts...)

	// Initialize the saga engine
	toolbox := &sagas.Toolbox{
		Resources:     deps.Resources,
		CloudContexts: deps.CloudContexts,
		Provisioner:   deps.Cloud,
		Projects:      deps.Cloud,
		Billing:       deps.Cloud,
		IAM:           deps.Cloud,
	}
	registry := saga.NewRegistry()
	toolbox.Register(registry)

	deps.Engine = saga.NewEngine(deps.RunStore, registry, deps.Logger,
		saga.WithWorkers(config.Engine.Workers),
		saga.WithQueueSize(config.Engine.QueueSize),
		saga.WithLeaseTTL(config.Engine.LeaseTTL),
		saga.WithPollInterval(config.Engine.PollInterval),
	)

	// Initialize use cases
	resultURL := config.Jobs.ResultURLBase
	deps.SubmitJob = application.NewSubmitJob(deps.Engine, deps.RunStore, deps.Locker, deps.EventStore,
		deps.EventPublisher, config.Settings(), config.Jobs.LockTTL, resultURL, deps.Logger)
	deps.GetJob = application.NewGetJob(deps.RunStore, deps.Cloud, resultURL)
	deps.WaitForJob = application.NewWaitForJob(deps.GetJob, config.Jobs.WaitTimeout)
	deps.ListJobs = application.NewListJobs(deps.RunStore, resultURL)
	deps.GetJobEvents = application.NewGetJobEvents(deps.GetJob, deps.EventStore)
	deps.JobNotifier = application.NewJobNotifier(deps.EventStore, deps.EventPublisher, deps.Locker, resultURL, deps.Logger)
	deps.Engine.AddListener(deps.JobNotifier)

	// Initialize handlers
	deps.JobHandlers = handlers.NewJobHandlers(deps.SubmitJob, deps.GetJob, deps.WaitForJob,
		deps.ListJobs, deps.GetJobEvents, deps.Logger)
	deps.JobEventHandlers = handlers.NewJobEventHandlers(deps.SubmitJob, deps.Logger)

	return deps, nil
}

func (d *Dependencies) buildStorage(ctx context.Context, config *Config) error {
	switch config.Storage {
	case StoragePostgres:
		db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		d.DB = db

		if config.Database.ApplySchema {
			if err := sharedinfra.ApplySchema(ctx, db); err != nil {
				return err
			}
			if err := infrastructure.ApplySchema(ctx, db); err != nil {
				return err
			}
		}

		d.RunStore = sharedinfra.NewPostgresRunStore(db)
		d.EventStore = sharedinfra.NewPostgresEventStore(db)
		d.Resources = infrastructure.NewPostgresResourceRepository(db)
		d.CloudContexts = infrastructure.NewPostgresCloudContextRepository(db)
	default:
		d.RunStore = saga.NewMemoryStore()
		d.EventStore = sharedinfra.NewMemoryEventStore()
		d.Resources = infrastructure.NewMemoryResourceRepository()
		d.CloudContexts = infrastructure.NewMemoryCloudContextRepository()
	}

	if config.Redis.Addr == "" {
		d.Locker = infrastructure.NewMemoryResourceLocker()
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	d.Redis = client
	d.Locker = infrastructure.NewRedisResourceLocker(client)
	return nil
}

func (d *Dependencies) buildMessaging(ctx context.Context, config *Config) error {
	if !config.AWS.Enabled {
		bus := sharedinfra.NewLocalEventBus(d.Logger)
		d.EventPublisher = bus
		d.EventSubscriber = bus
		return nil
	}

	clients, err := sharedinfra.NewAWSClients(ctx, config.AWS.Region, config.AWS.Endpoint)
	if err != nil {
		return err
	}
	d.EventPublisher = sharedinfra.NewSNSEventPublisher(clients.SNS, config.AWS.SNSTopicArn, d.Logger)
	d.sqsSubscriber = sharedinfra.NewSQSEventSubscriber(clients.SQS, config.AWS.SQSQueueURL, d.Logger,
		sharedinfra.WithSQSWorkers(config.AWS.SQSWorkers),
	)
	d.EventSubscriber = d.sqsSubscriber
	return nil
}

// Start subscribes the job intake handler and starts the engine and the SQS
// readers
func (d *Dependencies) Start(ctx context.Context) error {
	ctx = d.telemetryContext(ctx)
	if err := d.EventSubscriber.Subscribe(ctx, events.JobRequestedEvent, d.JobEventHandlers); err != nil {
		return fmt.Errorf("failed to subscribe job intake: %w", err)
	}
	if err := d.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start saga engine: %w", err)
	}
	if d.sqsSubscriber != nil {
		if err := d.sqsSubscriber.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sqs subscriber: %w", err)
		}
	}
	return nil
}

// telemetryContext carries the service telemetry into the background workers,
// whose metrics would otherwise go to the fallback instance
func (d *Dependencies) telemetryContext(ctx context.Context) context.Context {
	if d.Telemetry == nil {
		return ctx
	}
	return telemetry.WithTelemetry(ctx, d.Telemetry)
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.sqsSubscriber != nil {
		if err := d.sqsSubscriber.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop event subscriber: %w", err))
		}
	}

	if d.Engine != nil {
		if err := d.Engine.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop saga engine: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.telemetryShutdown != nil {
		d.telemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
