package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/cache"
	"github.com/LeventeLantos/whatsapp-queue/internal/client"
	"github.com/LeventeLantos/whatsapp-queue/internal/config"
	"github.com/LeventeLantos/whatsapp-queue/internal/dispatcher"
	"github.com/LeventeLantos/whatsapp-queue/internal/events"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
	"github.com/LeventeLantos/whatsapp-queue/internal/service"
)

const pingTimeout = 5 * time.Second

// app holds every long-lived component of the process.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	db  *sql.DB
	rdb *redis.Client

	queue     repo.QueueRepository
	cache     cache.MessageCache
	publisher *events.Publisher

	enq        *service.Enqueuer
	monitor    *service.Monitor
	webhook    *service.WebhookReceiver
	dispatcher *dispatcher.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var conv repo.ConversationRepository
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := openPostgres(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.queue = repo.NewPostgresQueueRepo(db)
		conv = repo.NewPostgresConversationRepo(db)
	default:
		log.Warn().Msg("using in-memory store, queue state is lost on restart")
		a.queue = repo.NewMemoryQueueRepo()
		conv = repo.NewMemoryConversationRepo()
	}

	a.cache = cache.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("redis unreachable, dedupe falls back to the store")
			_ = rdb.Close()
		} else {
			a.rdb = rdb
			a.cache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		}
	}

	if cfg.Kafka.Enabled {
		a.publisher = events.NewPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log)
	}

	a.enq = service.NewEnqueuer(a.queue, service.EnqueuerConfig{
		DefaultPriority: cfg.Queue.DefaultPriority,
		InboundPriority: cfg.Queue.InboundPriority,
		MaxRetries:      cfg.Queue.MaxRetries,
	}, log)
	a.monitor = service.NewMonitor(a.queue)
	a.webhook = service.NewWebhookReceiver(a.enq, a.cache, cfg.Queue.InboundPriority, log)

	gateway := client.NewZAPIClient(client.ZAPIConfig{
		BaseURL:     cfg.Gateway.BaseURL,
		Instance:    cfg.Gateway.Instance,
		Token:       cfg.Gateway.Token,
		ClientToken: cfg.Gateway.ClientToken,
		Timeout:     cfg.Gateway.Timeout,
	})

	var engine service.EngineInvoker
	if cfg.Engine.URL != "" {
		engine = client.NewEngineClient(cfg.Engine.URL, cfg.Engine.Token, cfg.Gateway.Timeout)
	}

	d, err := dispatcher.New(dispatcher.Config{
		Workers:          cfg.Dispatcher.Workers,
		ClaimTimeout:     cfg.Dispatcher.ClaimTimeout,
		PollInterval:     cfg.Dispatcher.PollInterval,
		PollMaxInterval:  cfg.Dispatcher.PollMaxInterval,
		StarvationWindow: cfg.Dispatcher.StarvationWindow,
		BackoffBase:      cfg.Backoff.Base,
		BackoffMax:       cfg.Backoff.Max,
		BackoffJitter:    cfg.Backoff.Jitter,
	}, dispatcher.Deps{
		Repo:    a.queue,
		Sender:  service.NewSender(gateway, log),
		Inbound: service.NewInboundProcessor(conv, engine, log),
		Log:     log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	d.WithHooks(sentCacheHooks(a.cache, log))
	if a.publisher != nil {
		d.WithHooks(a.publisher.Hooks())
	}
	a.dispatcher = d

	return a, nil
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// migrate applies the schema. The in-memory store needs none.
func (a *app) migrate(ctx context.Context) error {
	if a.db == nil {
		return errors.New("migrate requires STORE_DRIVER=postgres")
	}
	return repo.Migrate(ctx, a.db)
}

func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing event publisher")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// sentCacheHooks records provider ids of delivered outbound rows so their
// webhook echoes are dropped.
func sentCacheHooks(c cache.MessageCache, log zerolog.Logger) dispatcher.Hooks {
	return dispatcher.Hooks{
		OnDone: func(ctx context.Context, m model.QueueMessage) {
			if !m.Type.Outbound() || m.ProviderMessageID == "" {
				return
			}
			sentAt := time.Now()
			if m.ProcessedAt != nil {
				sentAt = *m.ProcessedAt
			}
			if err := c.StoreSent(ctx, m.ProviderMessageID, m.ID, sentAt); err != nil {
				log.Warn().Err(err).Str("message_id", m.ID).Msg("could not cache sent message id")
			}
		},
	}
}
