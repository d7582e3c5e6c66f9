// Package main is a line-oriented chat client (binary name "chatclient").
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/morezero/chatcore/internal/config"
	"github.com/morezero/chatcore/pkg/client"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("chatclient: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	adapter := client.NewAdapter(client.Config{
		RequestTimeout:    cfg.RequestTimeout,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	ctx := context.Background()
	if cfg.WSURL != "" {
		err = adapter.ConnectWebSocket(ctx, cfg.WSURL)
	} else {
		err = adapter.Connect(ctx, cfg.Host, cfg.Port)
	}
	if err != nil {
		return err
	}
	defer adapter.Disconnect()

	sh := newShell(client.NewService(adapter), os.Stdout)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		sh.askPassword = readPassword
	}
	unsubscribe := adapter.Events().SubscribeAll(sh.onEvent)
	defer unsubscribe()

	sh.printf("Connected. Type /help for commands.\n")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		quit, err := sh.exec(ctx, scanner.Text())
		if err != nil {
			sh.printf("error: %v\n", err)
		}
		if quit {
			break
		}
	}

	if sh.svc.Session() != nil && adapter.Connected() {
		logoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = sh.svc.Logout(logoutCtx)
	}
	return scanner.Err()
}

// readPassword prompts on stderr and reads a line from the terminal without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
