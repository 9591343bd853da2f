// Package bootstrap assembles the attempt service from configuration. Both
// the worker and the admin CLI build their object graph here so they agree
// on which store, catalog and transport are in use.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alem-hub/exam-attempts/config"
	"github.com/alem-hub/exam-attempts/internal/application/command"
	"github.com/alem-hub/exam-attempts/internal/application/query"
	"github.com/alem-hub/exam-attempts/internal/domain/attempt"
	"github.com/alem-hub/exam-attempts/internal/domain/outbox"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/external/examcatalog"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/messaging"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/scheduler"
	"github.com/alem-hub/exam-attempts/internal/infrastructure/scheduler/jobs"
	opshttp "github.com/alem-hub/exam-attempts/internal/interface/http"
	"github.com/alem-hub/exam-attempts/pkg/circuitbreaker"
	"github.com/alem-hub/exam-attempts/pkg/logger"
	"github.com/alem-hub/exam-attempts/pkg/ratelimit"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

// App is the assembled service.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  timeutil.Clock

	// DB is nil when the in-memory stores are in use.
	DB *postgres.Connection
	// Redis is nil when Redis is disabled.
	Redis *redis.Client

	Attempts attempt.Store
	Outbox   outbox.Store
	Catalog  attempt.ExamCatalog

	Bus       *messaging.InMemoryEventBus
	Publisher *messaging.OutboxPublisher
	Relay     *messaging.Relay

	Lifecycle    *command.AttemptLifecycle
	GetAttempt   *query.GetAttemptHandler
	ListAttempts *query.ListStudentAttemptsHandler

	Sweeper  *jobs.ExpirySweeper
	RelayJob *jobs.RelayOutboxJob

	Health *opshttp.HealthChecker

	closers []func()
}

// Option customises New.
type Option func(*App)

// WithLogger overrides the logger built from configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithClock overrides the system clock.
func WithClock(c timeutil.Clock) Option {
	return func(a *App) { a.Clock = c }
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) *slog.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stdout
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = logger.ParseFormat(cfg.Observability.LogFormat)
	opts.AddSource = cfg.Observability.AddSource
	opts.Service = cfg.App.Name
	opts.Instance = cfg.App.InstanceID
	return logger.New(opts)
}

// New connects to the configured backends and wires every component. On
// error, whatever was already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{Config: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.Logger == nil {
		app.Logger = NewLogger(cfg)
	}
	if app.Clock == nil {
		app.Clock = timeutil.SystemClock{}
	}
	app.Health = opshttp.NewHealthChecker(cfg.App.Version, app.Clock)

	for _, step := range []func() error{
		func() error { return app.openStores(ctx) },
		func() error { return app.openRedis(ctx) },
		app.buildCatalog,
		app.buildMessaging,
	} {
		if err := step(); err != nil {
			app.Close()
			return nil, err
		}
	}
	app.buildApplication()

	app.Logger.Info("service assembled",
		"store", app.storeKind(),
		"redis", app.Redis != nil,
		"catalog", app.catalogKind(),
	)
	return app, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	if cfg.Database.URL == "" {
		a.Logger.Warn("DATABASE_URL not set, using in-memory stores")
		a.Attempts = memory.NewAttemptStore(memory.WithBatchSize(cfg.Sweeper.BatchSize))
		a.Outbox = memory.NewOutboxStore()
		return nil
	}

	conn, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: postgres.DefaultPoolOptions().HealthCheckPeriod,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	a.Health.AddCheck("postgres", opshttp.PingCheck(conn))

	a.Attempts = postgres.NewAttemptStore(conn,
		postgres.WithInstanceID(cfg.App.InstanceID),
		postgres.WithClaimBatchSize(cfg.Sweeper.BatchSize),
	)
	a.Outbox = postgres.NewOutboxStore(conn)
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	cfg := a.Config.Redis
	if !cfg.Enabled() {
		return nil
	}

	rcfg := redis.DefaultConfig()
	rcfg.Addr = cfg.Addr
	rcfg.Password = cfg.Password
	rcfg.DB = cfg.DB
	rcfg.PoolSize = cfg.PoolSize
	rcfg.MinIdleConns = cfg.MinIdleConns
	rcfg.DialTimeout = cfg.DialTimeout
	rcfg.ReadTimeout = cfg.ReadTimeout
	rcfg.WriteTimeout = cfg.WriteTimeout

	client, err := redis.NewClient(ctx, rcfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = client
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn("closing redis failed", logger.Err(err))
		}
	})
	a.Health.AddCheck("redis", opshttp.PingCheck(client))
	return nil
}

func (a *App) buildCatalog() error {
	cfg := a.Config.ExamCatalog
	var catalog attempt.ExamCatalog

	switch {
	case cfg.BaseURL != "":
		cc := examcatalog.DefaultClientConfig(cfg.BaseURL)
		cc.ClientID = cfg.ClientID
		cc.ClientSecret = cfg.ClientSecret
		cc.TokenPath = cfg.TokenPath
		cc.Timeout = cfg.Timeout
		cc.Logger = a.Logger
		cc.Clock = a.Clock
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerSecond = cfg.RateLimit
		rl.Burst = cfg.RateBurst
		cc.Limiter = ratelimit.New(rl)
		client := examcatalog.NewClient(cc)
		catalog = client
		a.Health.AddCheck("exam_catalog", func(context.Context) error {
			if client.BreakerState() == circuitbreaker.StateOpen {
				return shared.ErrCatalogUnavailable
			}
			return nil
		})

	case cfg.File != "":
		static, err := examcatalog.LoadStaticCatalog(cfg.File)
		if err != nil {
			return err
		}
		catalog = static

	default:
		a.Logger.Warn("no exam catalog configured, attempts need an explicit duration")
		return nil
	}

	if a.Redis != nil {
		catalog = redis.NewCachedCatalog(catalog, a.Redis, cfg.CacheTTL, a.Logger)
	}
	a.Catalog = catalog
	return nil
}

func (a *App) buildMessaging() error {
	cfg := a.Config

	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = a.Logger
	a.Bus = messaging.NewInMemoryEventBus(busCfg)
	a.closers = append(a.closers, func() { _ = a.Bus.Close() })

	a.Publisher = messaging.NewOutboxPublisher(a.Outbox, a.Clock, a.Logger, messaging.OutboxPublisherConfig{
		Topic:         cfg.Outbox.Topic,
		AppendTimeout: messaging.DefaultOutboxPublisherConfig().AppendTimeout,
		ParkLimit:     cfg.Outbox.ParkLimit,
	})

	var transport messaging.Transport
	if a.Redis != nil {
		transport = redis.NewStreamTransport(a.Redis, cfg.Redis.StreamMaxLen)
	} else {
		// Without Redis, relayed events reach in-process subscribers only.
		transport = messaging.NewBusTransport(a.Bus)
		dedup := messaging.NewMemoryDeduplicator(cfg.Redis.DedupTTL, a.Clock)
		if err := a.Bus.SubscribeAll(a.auditPipeline(dedup)); err != nil {
			return fmt.Errorf("subscribe audit handler: %w", err)
		}
	}

	a.Relay = messaging.NewRelay(a.Outbox, transport, a.Publisher, a.Clock, a.Logger, messaging.RelayConfig{
		BatchSize:   cfg.Outbox.BatchSize,
		MaxBatches:  cfg.Outbox.MaxBatches,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Lease:       cfg.Outbox.Lease,
		SendTimeout: cfg.Outbox.SendTimeout,
	})
	return nil
}

func (a *App) buildApplication() {
	cfg := a.Config

	a.Lifecycle = command.NewAttemptLifecycle(a.Attempts, a.Catalog, a.Publisher, a.Clock, a.Logger,
		command.LifecycleConfig{ClockSkewTolerance: cfg.Lifecycle.ClockSkewTolerance})
	a.GetAttempt = query.NewGetAttemptHandler(a.Attempts, a.Clock)
	a.ListAttempts = query.NewListStudentAttemptsHandler(a.Attempts, a.Clock)

	a.Sweeper = jobs.NewExpirySweeper(a.Attempts, a.Lifecycle, a.Clock, a.Logger, jobs.ExpirySweeperConfig{
		ClaimWindow: cfg.Sweeper.ClaimWindow,
		Grace:       cfg.Sweeper.Grace,
		Concurrency: cfg.Sweeper.Concurrency,
		MaxPerCycle: cfg.Sweeper.MaxPerCycle,
	})
	a.RelayJob = jobs.NewRelayOutboxJob(a.Relay, a.Outbox, a.Clock, a.Logger, jobs.RelayOutboxConfig{
		BacklogWarnAge: cfg.Outbox.BacklogWarnAge,
	})
}

// Migrate applies pending schema migrations. It is a no-op on memory stores.
func (a *App) Migrate(ctx context.Context) (int, error) {
	if a.DB == nil {
		return 0, nil
	}
	return postgres.NewMigrator(a.DB).Migrate(ctx)
}

// NewScheduler registers the enabled background jobs on a fresh scheduler.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	cfg := a.Config
	s := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   a.Logger,
		Timezone: cfg.App.Location,
	})

	if cfg.Sweeper.Enabled {
		schedule, err := scheduler.ParseSchedule(cfg.Sweeper.Schedule)
		if err != nil {
			return nil, err
		}
		if err := s.Register(a.Sweeper, schedule, scheduler.WithTimeout(cfg.Sweeper.JobTimeout), scheduler.RunOnStart()); err != nil {
			return nil, err
		}
	}

	if cfg.Outbox.RelayEnabled {
		schedule, err := scheduler.ParseSchedule(cfg.Outbox.RelaySchedule)
		if err != nil {
			return nil, err
		}
		if err := s.Register(a.RelayJob, schedule, scheduler.RunOnStart()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewAuditConsumer returns a stream consumer that logs every lifecycle event
// once per consumer group. It is nil when Redis or the group is not set.
func (a *App) NewAuditConsumer() *redis.StreamConsumer {
	cfg := a.Config
	if a.Redis == nil || cfg.Redis.ConsumerGroup == "" {
		return nil
	}
	dedup := redis.NewDeduplicator(a.Redis, cfg.Redis.ConsumerGroup, cfg.Redis.DedupTTL)
	handler := a.auditPipeline(dedup)
	return redis.NewStreamConsumer(a.Redis, handler, a.Logger, redis.StreamConsumerConfig{
		Topic:    cfg.Outbox.Topic,
		Group:    cfg.Redis.ConsumerGroup,
		Consumer: cfg.App.InstanceID,
		Block:    2 * time.Second,
	})
}

// auditPipeline drops redelivered events before they reach the audit handler.
// A failing or panicking handler releases the dedup claim so the event is
// delivered again.
func (a *App) auditPipeline(dedup messaging.Deduplicator) shared.EventHandler {
	log := a.Logger.With(logger.Component("audit"))
	return messaging.Idempotent(dedup, messaging.Chain(a.AuditHandler(),
		messaging.RecoveryMiddleware(log),
		messaging.LoggingMiddleware(log),
		messaging.TimeoutMiddleware(a.Config.Outbox.SendTimeout),
	), log)
}

// AuditHandler logs a delivered lifecycle event.
func (a *App) AuditHandler() shared.EventHandler {
	log := a.Logger.With(logger.Component("audit"))
	return func(ctx context.Context, event shared.Event) error {
		log.InfoContext(ctx, "lifecycle event",
			logger.EventID(event.EventID()),
			slog.String("event_type", string(event.EventType())),
			logger.AttemptID(event.AggregateID()),
			slog.Time("occurred_at", event.OccurredAt()),
		)
		return nil
	}
}

// Close releases connections in reverse order of opening. It is safe to call
// more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) storeKind() string {
	if a.DB != nil {
		return "postgres"
	}
	return "memory"
}

func (a *App) catalogKind() string {
	switch {
	case a.Config.ExamCatalog.BaseURL != "":
		return "http"
	case a.Config.ExamCatalog.File != "":
		return "file"
	default:
		return "none"
	}
}
