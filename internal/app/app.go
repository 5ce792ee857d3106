package app

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/order-saga/internal/api"
	"github.com/example/order-saga/internal/auth"
	"github.com/example/order-saga/internal/command"
	"github.com/example/order-saga/internal/config"
	"github.com/example/order-saga/internal/deadletter"
	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/infrastructure/kafka"
	"github.com/example/order-saga/internal/infrastructure/store"
	"github.com/example/order-saga/internal/messaging"
	"github.com/example/order-saga/internal/publisher"
	"github.com/example/order-saga/internal/query"
	"github.com/example/order-saga/internal/saga"
)

// App owns every long-lived component of the service
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       *sql.DB
	producer *kafka.Producer
	consumer *kafka.Consumer
	redis    *redis.Client

	Orders       *order.Service
	Orchestrator *saga.Orchestrator
	Sweeper      *saga.Sweeper
	DeadLetters  *deadletter.Handler
	Router       *messaging.Router
	JWT          *auth.JWTService
	HTTPHandler  http.Handler
}

// storage groups the saga, marker and dead-letter stores of one backend
type storage struct {
	tx          store.Transactor
	sagas       saga.Repository
	processor   idempotency.Processor
	deadLetters deadletter.Repository
}

// New connects to the configured backends and wires the components together
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if cfg.UsesPostgres() {
		db, err := store.ConnectPostgres(ctx, cfg.Postgres.DSN, store.PoolOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnectRetries:  cfg.Postgres.ConnectRetries,
		})
		if err != nil {
			return nil, err
		}
		a.db = db
		logger.Info().Msg("connected to postgres")
	}

	eventStore, err := a.newEventStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	st := a.newStorage()

	// Messaging
	a.producer = kafka.NewProducer(cfg.Kafka.Brokers)
	topics := event.NewTopicResolver(cfg.Kafka.Topics)
	pub := publisher.New(a.producer, topics, nil, publisherConfig(cfg.Publisher), logger)

	// Domain
	a.Orders = order.NewService(eventStore, logger)
	a.Orchestrator = saga.NewOrchestrator(st.sagas, st.tx, a.Orders, pub, sagaConfig(cfg.Saga), logger)
	a.Sweeper = saga.NewSweeper(a.Orchestrator, st.sagas, sagaConfig(cfg.Saga), logger)

	alerter := deadletter.Alerters{deadletter.NewLogAlerter(logger)}
	if cfg.Kafka.DeadLetterTopic != "" {
		alerter = append(alerter, deadletter.NewTopicAlerter(pub, cfg.Kafka.DeadLetterTopic, logger))
	}
	a.DeadLetters = deadletter.NewHandler(
		st.deadLetters,
		st.processor,
		a.Orchestrator.Handle,
		pub,
		alerter,
		deadletter.Config{
			AlertThreshold:  cfg.DeadLetter.AlertThreshold,
			ReplayInterval:  cfg.DeadLetter.ReplayInterval,
			ReplayBatchSize: cfg.DeadLetter.ReplayBatchSize,
			AutoReplay:      cfg.DeadLetter.AutoReplay,
		},
		logger,
	)
	pub.SetDeadLetterSink(a.DeadLetters)

	a.Router = messaging.NewRouter(st.processor, a.Orchestrator.Handle, a.DeadLetters, messaging.Config{
		MaxAttempts:     cfg.Consumer.MaxAttempts,
		InitialInterval: cfg.Consumer.InitialInterval,
		Multiplier:      cfg.Consumer.Multiplier,
		MaxInterval:     cfg.Consumer.MaxInterval,
	}, logger)
	a.consumer = kafka.NewConsumer(cfg.Kafka.Brokers, topics.InboundTopics(), cfg.Kafka.GroupID, logger)

	// HTTP
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		logger.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	a.JWT = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handlers := api.NewHandlers(
		command.NewHandler(a.Orders, a.Orchestrator, logger),
		query.NewHandler(a.Orders, st.sagas),
		a.DeadLetters,
		logger,
	)
	routerCfg := api.RouterConfig{
		JWT:            a.JWT,
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		Logger:         logger,
	}
	if a.redis != nil {
		routerCfg.Redis = a.redis
	}
	a.HTTPHandler = api.NewRouter(handlers, routerCfg)

	logger.Info().
		Str("event_store", cfg.EventStore.Backend).
		Str("storage", cfg.Storage.Backend).
		Strs("inbound_topics", topics.InboundTopics()).
		Msg("application wired")
	return a, nil
}

func (a *App) newEventStore(ctx context.Context) (store.EventStore, error) {
	switch a.cfg.EventStore.Backend {
	case config.BackendPostgres:
		return store.NewPostgresEventStore(a.db), nil
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.DynamoDB.Region))
		if err != nil {
			return nil, errors.Wrap(err, "failed to load aws config")
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if a.cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(a.cfg.DynamoDB.Endpoint)
			}
		})
		return store.NewDynamoEventStore(client, a.cfg.DynamoDB.EventsTable, a.cfg.DynamoDB.SnapshotsTable), nil
	case config.BackendMemory:
		a.logger.Warn().Msg("using in-memory event store, events are lost on restart")
		return store.NewMemoryEventStore(), nil
	}
	return nil, errors.Errorf("unknown event store backend %q", a.cfg.EventStore.Backend)
}

func (a *App) newStorage() storage {
	if a.cfg.Storage.Backend == config.BackendPostgres {
		tx := store.NewTxManager(a.db)
		return storage{
			tx:          tx,
			sagas:       saga.NewPostgresRepository(tx),
			processor:   idempotency.NewPostgresProcessor(tx, a.logger),
			deadLetters: deadletter.NewPostgresRepository(tx),
		}
	}
	a.logger.Warn().Msg("using in-memory saga storage, state is lost on restart")
	return storage{
		tx:          store.NopTransactor{},
		sagas:       saga.NewMemoryRepository(),
		processor:   idempotency.NewMemoryProcessor(a.logger),
		deadLetters: deadletter.NewMemoryRepository(),
	}
}

// Run serves HTTP, consumes saga responses and runs the scheduled jobs until
// ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}
	if err := a.Sweeper.Schedule(ctx, scheduler); err != nil {
		return errors.Wrap(err, "failed to schedule saga sweep")
	}
	if err := a.DeadLetters.Schedule(ctx, scheduler); err != nil {
		return errors.Wrap(err, "failed to schedule dead letter replay")
	}

	server := &http.Server{
		Addr:    a.cfg.HTTP.Address,
		Handler: a.HTTPHandler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("address", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.logger.Info().Msg("shutting down http server")
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.logger.Info().Msg("saga consumer started")
		return a.consumer.Run(gctx, a.Router.HandleMessage)
	})

	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		return scheduler.Shutdown()
	})

	return g.Wait()
}

// Close releases connections. It is safe to call on a partially built App.
func (a *App) Close() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close consumer")
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close producer")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func sagaConfig(c config.SagaConfig) saga.Config {
	return saga.Config{
		PaymentMethod:         c.PaymentMethod,
		CartValidationTimeout: c.CartValidationTimeout,
		PaymentTimeout:        c.PaymentTimeout,
		ConfirmationTimeout:   c.ConfirmationTimeout,
		MaxRetries:            c.MaxRetries,
		RetryInitialDelay:     c.RetryInitialDelay,
		RetryMultiplier:       c.RetryMultiplier,
		RetryMaxDelay:         c.RetryMaxDelay,
		SweepInterval:         c.SweepInterval,
		SweepBatchSize:        c.SweepBatchSize,
	}
}

func publisherConfig(c config.PublisherConfig) publisher.Config {
	return publisher.Config{
		MaxAttempts:        c.MaxAttempts,
		InitialInterval:    c.InitialInterval,
		Multiplier:         c.Multiplier,
		MaxInterval:        c.MaxInterval,
		BreakerMinRequests: c.BreakerMinRequests,
		BreakerFailureRate: c.BreakerFailureRate,
		BreakerInterval:    c.BreakerInterval,
		BreakerOpenTimeout: c.BreakerOpenTimeout,
		BreakerHalfOpenMax: c.BreakerHalfOpenMax,
		BulkheadSize:       c.BulkheadSize,
		BulkheadWait:       c.BulkheadWait,
	}
}
