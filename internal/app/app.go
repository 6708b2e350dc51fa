// Package app wires configuration into the repositories, the send pipeline
// and its collaborators. cmd/server and cmd/worker share it so both binaries
// send through the same executor settings, limiter and outcome queue.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ignite/push-dispatch/internal/config"
	"github.com/ignite/push-dispatch/internal/outcomes"
	"github.com/ignite/push-dispatch/internal/pkg/distlock"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
	"github.com/ignite/push-dispatch/internal/push"
	"github.com/ignite/push-dispatch/internal/repository/postgres"
	"github.com/ignite/push-dispatch/internal/rss"
	"github.com/ignite/push-dispatch/internal/segmentation"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
	"github.com/ignite/push-dispatch/internal/worker"
)

const (
	// sendScope namespaces the shared send ceiling in Redis.
	sendScope   = "push:send"
	pingTimeout = 5 * time.Second
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client // nil when Redis is not configured

	Subscribers   *postgres.SubscriberRepo
	Segments      *postgres.SegmentRepo
	Notifications *postgres.NotificationRepo
	Recurrences   *postgres.RecurrenceRepo
	Feeds         *postgres.FeedRepo

	Resolver *segmentation.Resolver
	Executor *dispatch.Executor
	Dispatch *dispatch.Service
	Locks    distlock.Factory
}

// ConfigureLogging applies the logging section to the default logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedact(cfg.RedactEnabled())
}

// New connects to PostgreSQL (required) and Redis (optional) and builds the
// pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db}

	if cfg.Redis.Enabled() {
		a.Redis, err = openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, err
		}
		log.Println("Connected to Redis")
	} else {
		log.Println("Redis not configured: advisory locks and in-process rate limiting")
	}

	a.Subscribers = postgres.NewSubscriberRepo(db)
	a.Segments = postgres.NewSegmentRepo(db)
	a.Notifications = postgres.NewNotificationRepo(db)
	a.Recurrences = postgres.NewRecurrenceRepo(db)
	a.Feeds = postgres.NewFeedRepo(db)
	a.Locks = distlock.NewFactory(a.Redis, db, cfg.Scheduler.LockTTL())

	a.Resolver = segmentation.NewResolver(a.Subscribers)

	sender := push.NewWebPushSender(push.Config{
		TTL:            cfg.Push.TTLSeconds,
		Urgency:        cfg.Push.Urgency,
		Timeout:        cfg.Push.Timeout(),
		DefaultSubject: cfg.Push.DefaultSubject,
		MaxRetries:     cfg.Push.MaxRetries,
	}, nil)

	a.Executor = dispatch.NewExecutor(dispatch.ExecutorConfig{
		Concurrency:  cfg.Dispatch.Concurrency,
		BatchTimeout: cfg.Dispatch.BatchTimeout(),
	}, sender, a.sendLimiter(), a.Subscribers)

	deps := dispatch.Deps{
		Notifications: a.Notifications,
		Segments:      a.Segments,
		Credentials:   postgres.NewSiteRepo(db),
		Logs:          postgres.NewDeliveryLogRepo(db),
		Resolver:      a.Resolver,
		Planner:       dispatch.NewPlanner(cfg.Dispatch.ClickTrackingURL),
		Executor:      a.Executor,
	}
	if cfg.SQS.Enabled {
		sink, err := newOutcomeSink(ctx, cfg.SQS)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Sink = sink
		log.Printf("Send reports published to %s", cfg.SQS.QueueURL)
	}
	a.Dispatch = dispatch.NewService(deps, dispatch.Config{MinSuccessRatio: cfg.Dispatch.MinSuccessRatio})

	return a, nil
}

// sendLimiter returns the Redis-backed ceiling shared by every process when
// configured, otherwise a token bucket local to this process.
func (a *App) sendLimiter() dispatch.Limiter {
	d := a.Config.Dispatch
	if d.SharedRateLimit && a.Redis != nil {
		return worker.NewRateLimiter(a.Redis, sendScope, worker.RateLimit{PerSecond: d.RatePerSecond})
	}
	return rate.NewLimiter(rate.Limit(d.RatePerSecond), d.Burst)
}

// RecurrenceClock builds the clock that fires recurring notifications.
func (a *App) RecurrenceClock() *worker.RecurrenceClock {
	return worker.NewRecurrenceClock(a.Recurrences, a.Dispatch, a.Locks, a.Config.Scheduler.RecurrenceTick())
}

// RSSPoller builds the feed poller. The daily item cap needs Redis; without
// it feeds are uncapped.
func (a *App) RSSPoller() *worker.RSSPoller {
	var counter rss.DailyCounter
	if a.Redis != nil {
		counter = worker.NewRateLimiter(a.Redis, "rss", worker.RateLimit{})
	} else {
		log.Println("[RSSPoller] Redis not configured: per-feed daily caps disabled")
	}
	gate := rss.NewGate(a.Feeds, counter, a.Dispatch)
	fetcher := rss.NewFetcher(&http.Client{Timeout: a.Config.Push.Timeout()})

	return worker.NewRSSPoller(a.Feeds, fetcher, gate, worker.RSSPollerConfig{
		PollInterval:  a.Config.Scheduler.RSSPollInterval(),
		MaxConcurrent: a.Config.Scheduler.RSSConcurrency,
	})
}

// Close waits for pending report publishes, then releases connections.
func (a *App) Close() {
	if a.Dispatch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Push.Timeout())
		if err := a.Dispatch.Flush(ctx); err != nil {
			log.Printf("Report flush incomplete: %v", err)
		}
		cancel()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.DB.Close()
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("Connected to database")
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newOutcomeSink(ctx context.Context, cfg config.SQSConfig) (*outcomes.SQSPublisher, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs enabled without queue_url")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return outcomes.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.QueueURL), nil
}
