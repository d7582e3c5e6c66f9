package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/chatcore/internal/config"
	"github.com/morezero/chatcore/pkg/commsutil"
	"github.com/morezero/chatcore/pkg/db"
	"github.com/morezero/chatcore/pkg/events"
	"github.com/morezero/chatcore/pkg/sqlite"
	"github.com/morezero/chatcore/pkg/store"
)

const (
	runLogPrefix    = "server:run"
	shutdownTimeout = 10 * time.Second
)

// Run starts the chat server, blocks until SIGINT or SIGTERM, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", runLogPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting chat server", runLogPrefix))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 1: Store
	deps := Deps{}
	var pool *pgxpool.Pool
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		slog.Warn(fmt.Sprintf("%s - Using in-memory store; data is lost on exit", runLogPrefix))
		deps.Store = store.NewMemoryStore()
	case config.StoreDriverSQLite:
		lite, err := openSQLite(sigCtx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer lite.Close()
		deps.Store = lite
		deps.Ping = lite.Ping
	default:
		pool, err = openDatabase(sigCtx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		deps.Store = db.NewRepository(pool)
		deps.Ping = pool.Ping
	}

	// Step 2: Optional NATS bridge
	var nc *comms.Conn
	if cfg.COMMSURL != "" {
		nc, err = commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", runLogPrefix, err)
		}
		defer nc.Drain()
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", runLogPrefix, cfg.COMMSURL))
		deps.Publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{
			SubjectPrefix: cfg.EventSubjectPrefix,
			Server:        cfg.COMMSName,
		})
	}

	s := New(cfg, deps)

	if nc != nil {
		subs, err := s.SubscribeAdminBroadcasts(sigCtx, nc,
			cfg.AdminBroadcastSubject,
			commsutil.BuildServerSubject(cfg.AdminBroadcastSubject, cfg.COMMSName))
		if err != nil {
			return fmt.Errorf("%s - failed to subscribe to admin broadcasts: %w", runLogPrefix, err)
		}
		defer func() {
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
		}()
	}

	// Step 3: Listeners
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", runLogPrefix, cfg.ListenAddr, err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s (websocket at %s)", runLogPrefix, httpServer.Addr, cfg.WSPath))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", runLogPrefix, err)
		}
		return nil
	})
	if cfg.SessionIdleTTL > 0 {
		g.Go(func() error {
			return s.RunSweeper(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutting down", runLogPrefix))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			slog.Warn(err.Error())
		}
		return httpServer.Shutdown(ctx)
	})

	slog.Info(fmt.Sprintf("%s - Chat server is ready", runLogPrefix))

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", runLogPrefix))
	return nil
}

// openDatabase connects, optionally migrates, and clears presence flags left
// behind by an unclean stop.
func openDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPoolWithConfig(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns:   cfg.DBMaxConns,
		MinConns:   cfg.DBMinConns,
		LogQueries: cfg.DBLogQueries,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", runLogPrefix, err)
	}

	if cfg.RunMigrations {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", runLogPrefix, err)
		}
		if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", runLogPrefix, err)
		}
	}

	n, err := db.ResetPresence(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to reset presence: %w", runLogPrefix, err)
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Marked %d stale users offline", runLogPrefix, n))
	}
	return pool, nil
}

func openSQLite(ctx context.Context, path string) (*sqlite.Store, error) {
	lite, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open sqlite store: %w", runLogPrefix, err)
	}
	n, err := lite.ResetPresence(ctx)
	if err != nil {
		lite.Close()
		return nil, fmt.Errorf("%s - failed to reset presence: %w", runLogPrefix, err)
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Marked %d stale users offline", runLogPrefix, n))
	}
	return lite, nil
}
