// Package server initializes and runs the identity server.
// It builds the storage backend and the user service from the configuration,
// applies schema migrations, serves gRPC health and Prometheus metrics, and
// handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dmitrijs2005/identitykeeper/internal/cryptox"
	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/cache"
	"github.com/dmitrijs2005/identitykeeper/internal/server/config"
	"github.com/dmitrijs2005/identitykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/identitykeeper/internal/server/services"

	gs "github.com/dmitrijs2005/identitykeeper/internal/server/grpc"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	registry *prometheus.Registry
	recorder metrics.Recorder
	checker  gs.SchemaChecker
	users    *services.UserService
	closers  []func() error
}

// Option customizes NewApp.
type Option func(*appOptions)

type appOptions struct {
	logOutput io.Writer
}

// WithLogOutput sends logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *appOptions) { o.logOutput = w }
}

// NewApp wires the storage backend and services described by c. When
// c.MigrateOnStart is set, pending migrations are applied before NewApp
// returns; a failed migration is returned as an error and nothing is served.
func NewApp(ctx context.Context, c *config.Config, opts ...Option) (*App, error) {

	o := appOptions{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := logging.New(o.logOutput, c.LogLevel, c.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	hasher, err := cryptox.NewPasswordHasher(c.PasswordHasher, cryptox.Argon2Params{
		Memory:      c.Argon2Memory,
		Iterations:  c.Argon2Iterations,
		Parallelism: c.Argon2Parallelism,
	}, c.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("password hasher init error: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewCollector(registry)

	app := &App{config: c, logger: logger, registry: registry, recorder: recorder}

	var rm repomanager.RepositoryManager
	switch c.Storage {
	case config.StorageMemory:
		logger.Warn(ctx, "using in-memory storage, data is lost on exit")
		rm = repomanager.NewMemoryRepositoryManager(time.Now)

	default:
		pm, err := app.initPostgres(ctx)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		rm = pm
	}

	app.users = services.NewUserService(app.db, rm, hasher, recorder, logger)

	return app, nil
}

func (app *App) initPostgres(ctx context.Context) (*repomanager.PostgresRepositoryManager, error) {
	c := app.config

	db, err := dbx.Open(ctx, c.DatabaseDSN, dbx.PoolOptions{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: c.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, db.Close)

	opts := []repomanager.Option{
		repomanager.WithLogger(app.logger),
		repomanager.WithMigrationLock(c.MigrationLock),
		repomanager.WithRecorder(app.recorder),
	}

	if c.RedisAddr != "" {
		client, err := cache.NewClient(ctx, cache.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		if err != nil {
			return nil, fmt.Errorf("cache init error: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		opts = append(opts, repomanager.WithCache(cache.NewUserCache(client, c.CacheTTL)))
	}

	rm := repomanager.NewPostgresRepositoryManager(opts...)

	if c.MigrateOnStart {
		rep, err := rm.RunMigrations(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("migration error: %w", err)
		}
		app.logger.Info(ctx, "schema up to date", "version", rep.Current, "applied", len(rep.Applied))
	}

	runner, err := rm.Migrator(db)
	if err != nil {
		return nil, fmt.Errorf("migration init error: %w", err)
	}
	app.checker = runner

	return rm, nil
}

// Users returns the user service.
func (app *App) Users() *services.UserService {
	return app.users
}

// Close releases the database and cache connections.
func (app *App) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		errs = append(errs, app.closers[i]())
	}
	app.closers = nil
	return errors.Join(errs...)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) error {
	s := gs.NewGRPCServer(app.config.GRPCAddr, app.logger, app.checker, app.recorder, 0)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return err
	}
	return nil
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) error {
	srv := &http.Server{
		Addr:              app.config.MetricsAddr,
		Handler:           metrics.SetupMetricsRoute(app.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "metrics server shutdown", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return err
	}
	return nil
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// stops both servers and closes the connections. It returns the first
// server error, if any.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record(app.startGRPCServer(ctx, cancelFunc))
	}()
	go func() {
		defer wg.Done()
		record(app.startMetricsServer(ctx, cancelFunc))
	}()

	wg.Wait()

	if err := app.Close(); err != nil {
		app.logger.Error(ctx, "close", "error", err)
	}

	app.logger.Info(ctx, "App stopped")

	return firstErr
}
