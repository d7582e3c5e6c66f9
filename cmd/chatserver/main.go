// Package main is the entrypoint for the chat server (binary name "chatserver").
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/chatcore/internal/config"
	"github.com/morezero/chatcore/internal/server"
	"github.com/morezero/chatcore/pkg/commsutil"
	"github.com/morezero/chatcore/pkg/db"
	"github.com/morezero/chatcore/pkg/sqlite"
)

const usage = `Usage: chatserver [command]
       chatserver serve                      Start the chat server (TCP, HTTP/websocket, optional NATS).
       chatserver migrate up                 Run database migrations.
       chatserver migrate down               Roll back one migration (migrations are forward-only).
       chatserver migrate status             Show migration status.
       chatserver ensure-db [name]           Create database if missing (default name: chat_test). Uses DATABASE_URL host/user.
       chatserver clear                      Truncate all chat tables (STORE_DRIVER=sqlite clears SQLITE_PATH); schema is preserved.
       chatserver broadcast [-c id] message  Publish an admin broadcast over NATS (-c 0 users, -1 all channels, N one channel).

Commands:
  serve           (default) Start the chat server.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration (no-op).
  migrate status  Show current migration status.
  ensure-db       Create database (e.g. chat_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate users, channels, invitations and messages.
  broadcast       Send an operator message to every running server.

Environment: DATABASE_URL, STORE_DRIVER (postgres|sqlite|memory), SQLITE_PATH, LISTEN_ADDR (default :5000), HTTP_ADDR/HTTP_PORT, COMMS_URL,
ADMIN_BROADCAST_SUBJECT, MIGRATION_PATH, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("chatserver migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("chatserver migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("chatserver migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("chatserver migrate down: %v", err)
			}
		default:
			log.Fatalf("chatserver migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("chatserver clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "chat_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("chatserver ensure-db: %v", err)
		}
		return
	case "broadcast":
		b, err := parseBroadcastArgs(args[1:])
		if err != nil {
			log.Fatalf("chatserver broadcast: %v", err)
		}
		if err := runBroadcast(b); err != nil {
			log.Fatalf("chatserver broadcast: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("chatserver: %v", err)
	}
}

// withPool loads the config, checks DATABASE_URL and hands fn an open pool.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		ran, err := db.RunMigrations(ctx, pool, migrations)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Printf("Applied %d migration(s).\n", ran)
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
	})
}

func runMigrateDown() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationDown(ctx, pool, os.Stdout)
	})
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreDriver == config.StoreDriverSQLite {
		ctx := context.Background()
		lite, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer lite.Close()
		return lite.Clear(ctx)
	}
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearChat(ctx, pool); err != nil {
			return fmt.Errorf("clear chat: %w", err)
		}
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := databaseURLFor(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// databaseURLFor swaps the database name of rawURL, keeping the query (e.g. sslmode).
func databaseURLFor(rawURL, dbName string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

// parseBroadcastArgs reads "[-c channelId] message words...".
func parseBroadcastArgs(args []string) (*commsutil.AdminBroadcast, error) {
	b := &commsutil.AdminBroadcast{}
	if len(args) >= 2 && (args[0] == "-c" || args[0] == "--channel") {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id < commsutil.AllChannels {
			return nil, fmt.Errorf("invalid channel id %q", args[1])
		}
		b.ChannelID = id
		args = args[2:]
	}
	b.Message = strings.TrimSpace(strings.Join(args, " "))
	if b.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return b, nil
}

func runBroadcast(b *commsutil.AdminBroadcast) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.COMMSURL == "" {
		return fmt.Errorf("COMMS_URL is required")
	}
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName+"-admin")
	if err != nil {
		return err
	}
	defer nc.Close()

	data, err := commsutil.EncodePayload(b)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := nc.Publish(cfg.AdminBroadcastSubject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("Broadcast published on %s.\n", cfg.AdminBroadcastSubject)
	return nil
}
