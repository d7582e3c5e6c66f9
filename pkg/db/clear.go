package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearChat truncates every chat table. The schema is preserved and
// RESTART IDENTITY resets the id sequences.
func ClearChat(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing chat tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE
		messages,
		invitations,
		channel_members,
		channels,
		users
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Chat data cleared", clearLogPrefix))
	return nil
}

// ResetPresence marks every user offline. The server calls it at startup,
// since no connection survives a restart.
func ResetPresence(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx, `UPDATE users SET online = FALSE WHERE online`)
	if err != nil {
		return 0, fmt.Errorf("%s - reset presence failed: %w", clearLogPrefix, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Marked %d stale users offline", clearLogPrefix, n))
	}
	return tag.RowsAffected(), nil
}
