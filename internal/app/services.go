package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/admission"
	"github.com/Harvey-AU/crawl-admission/internal/api"
	"github.com/Harvey-AU/crawl-admission/internal/capacity"
	"github.com/Harvey-AU/crawl-admission/internal/coord"
	"github.com/Harvey-AU/crawl-admission/internal/db"
	"github.com/Harvey-AU/crawl-admission/internal/enqueue"
	"github.com/Harvey-AU/crawl-admission/internal/executor"
	"github.com/Harvey-AU/crawl-admission/internal/feeder"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/leader"
	"github.com/Harvey-AU/crawl-admission/internal/notifications"
	"github.com/Harvey-AU/crawl-admission/internal/pending"
	"github.com/Harvey-AU/crawl-admission/internal/retry"
	"github.com/Harvey-AU/crawl-admission/internal/semaphore"
	"github.com/Harvey-AU/crawl-admission/internal/settings"
	"github.com/Harvey-AU/crawl-admission/internal/watchdog"
	"github.com/Harvey-AU/crawl-admission/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Services is the process's explicit service graph. Nothing in it is a
// package-level singleton; tests build their own.
type Services struct {
	cfg *Config

	Conn  *sql.DB
	Redis *redis.Client

	Semaphore *semaphore.Semaphore
	Settings  *settings.Resolver
	Capacity  *capacity.Manager
	Pending   *pending.Queue
	Tasks     *db.TaskQueue
	Jobs      *jobs.PostgresStore
	Enqueuer  *enqueue.Enqueuer
	Tracker   *retry.Tracker
	Admission *admission.Service
	Watchdog  *watchdog.Watchdog

	Feeder   *feeder.Feeder     // nil unless FeederEnabled
	Pool     *worker.Pool       // nil unless WorkerEnabled
	Listener *settings.Listener // nil when LISTEN is unavailable
	API      *api.Handler

	database *db.DB // set when New opened the connections itself

	mu           sync.Mutex
	stopListener context.CancelFunc
	listenerDone chan struct{}
}

// New connects to Postgres and Redis, retrying transient failures, and
// builds the service graph.
func New(ctx context.Context, cfg *Config) (*Services, error) {
	database, err := db.ConnectWithRetry(ctx, cfg.Database, db.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rdb, err := coord.Connect(ctx, cfg.Redis)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := Build(cfg, database.GetDB(), rdb)
	s.database = database
	s.Listener = settings.NewListener(cfg.Database.ConnectionString(), s.Settings)
	return s, nil
}

// Build wires the graph on top of existing connections.
func Build(cfg *Config, conn *sql.DB, rdb *redis.Client) *Services {
	s := &Services{cfg: cfg, Conn: conn, Redis: rdb}

	s.Semaphore = semaphore.New(rdb, cfg.Semaphore)
	s.Settings = settings.NewResolver(cfg.Defaults, settings.NewPostgresSource(conn), cfg.SettingsCacheTTL)
	s.Capacity = capacity.NewManager(s.Semaphore, s.Settings)
	s.Pending = pending.NewQueue(rdb)
	s.Tasks = db.NewTaskQueue(conn)
	s.Jobs = jobs.NewPostgresStore(conn)
	s.Tracker = retry.NewTracker(rdb, cfg.Watchdog.MaxAge)
	s.Enqueuer = enqueue.New(rdb, s.Tasks, s.Capacity, s.Jobs, cfg.FlagTTL)
	s.Admission = admission.NewService(s.Jobs, s.Capacity, s.Enqueuer, s.Pending, s.Tracker)

	var notifier watchdog.Notifier
	if n := notifications.NewSlackNotifier(cfg.SlackWebhookURL, cfg.Env, cfg.SlackAlertInterval); n != nil {
		notifier = n
	}
	s.Watchdog = watchdog.New(cfg.Watchdog, s.Jobs, s.Semaphore, s.Capacity, s.Enqueuer, s.Pending, notifier)

	if cfg.FeederEnabled {
		elector := leader.NewElector(rdb, coord.FeederLeaderKey, cfg.LeaderTTL)
		s.Feeder = feeder.New(elector, s.Watchdog, s.Pending, s.Capacity, s.Enqueuer, s.Jobs, cfg.Defaults.PollInterval)
	}

	if cfg.WorkerEnabled {
		exec := executor.New(cfg.ExecutorURL, cfg.ExecutorToken, cfg.ExecutorTimeout)
		handlers := make(map[string]worker.Handler)
		for _, name := range taskNames() {
			handlers[name] = exec.Execute
		}
		s.Pool = worker.NewPool(cfg.Worker, s.Tasks, s.Jobs, s.Enqueuer, s.Capacity, s.Tracker, handlers)
	}

	s.API = api.NewHandler(s.Admission, s.Jobs, map[string]api.HealthCheck{
		"postgres": conn.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	return s
}

func taskNames() []string {
	raw := os.Getenv("CRAWL_TASK_NAMES")
	if raw == "" {
		raw = "crawl_website,crawl_sitemap,crawl_sharepoint"
	}
	var names []string
	for name := range strings.SplitSeq(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Handler returns the API with the standard middleware chain.
func (s *Services) Handler() http.Handler {
	mux := http.NewServeMux()
	s.API.SetupRoutes(mux)

	limiter := api.NewIPRateLimiter(s.cfg.APIRatePerSecond, s.cfg.APIRateBurst)
	var handler http.Handler = limiter.Middleware(mux)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	return handler
}

// Start launches the background loops enabled for this process.
func (s *Services) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Listener != nil && s.stopListener == nil {
		lctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		s.stopListener, s.listenerDone = cancel, done
		go func() {
			defer close(done)
			s.Listener.Run(lctx)
		}()
	}
	if s.Pool != nil {
		s.Pool.Start(ctx)
	}
	if s.Feeder != nil {
		s.Feeder.Start(ctx)
	}

	log.Info().
		Bool("feeder", s.Feeder != nil).
		Bool("workers", s.Pool != nil).
		Bool("settings_listener", s.Listener != nil).
		Msg("Services started")
}

// Shutdown stops the feeder first so no new work is dispatched, then drains
// the workers and closes connections opened by New.
// The timeout bounds the whole sequence, not each step.
func (s *Services) Shutdown(timeout time.Duration) error {
	var errs []error
	deadline := time.Now().Add(timeout)

	if s.Feeder != nil {
		if err := s.Feeder.Stop(time.Until(deadline)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Pool != nil {
		if err := s.Pool.Stop(time.Until(deadline)); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	stop, done := s.stopListener, s.listenerDone
	s.stopListener, s.listenerDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			errs = append(errs, errors.New("settings listener did not stop in time"))
		}
	}

	if s.database != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		if err := s.database.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres: %w", err))
		}
	}

	return errors.Join(errs...)
}
