package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/hearth"
	"github.com/ashita-ai/hearth/internal/auth"
	"github.com/ashita-ai/hearth/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `usage: hearth [command]

commands:
  serve             run the control panel (default)
  secret            print a fresh random value for HEARTH_API_SECRET
  token <operator>  print a bearer token for the local API (needs HEARTH_API_SECRET)
  version           print the version
`

func main() {
	os.Exit(run0(os.Args[1:], os.Stdout, os.Stderr))
}

func run0(args []string, stdout, stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("HEARTH_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	// .env is optional; variables already set win.
	if err := config.LoadDotenv(); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}

	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		err = serve(ctx, logger)
	case "secret":
		err = secret(stdout)
	case "token":
		err = token(args, stdout)
	case "version":
		_, err = fmt.Fprintln(stdout, version)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(stdout, usage)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	if err != nil {
		logger.Error("fatal error", "command", cmd, "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, logger *slog.Logger) error {
	app, err := hearth.New(
		hearth.WithVersion(version),
		hearth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// secret prints 32 random bytes, hex encoded, suitable for HEARTH_API_SECRET.
func secret(stdout io.Writer) error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	_, err := fmt.Fprintln(stdout, hex.EncodeToString(buf))
	return err
}

func token(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("token: exactly one operator name is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.APISecret == "" {
		return errors.New("token: HEARTH_API_SECRET is not set, the API is unauthenticated")
	}
	mgr, err := auth.NewJWTManager(cfg.APISecret, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	tok, expires, err := mgr.IssueToken(args[0])
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	slog.Info("token issued", "operator", args[0], "expires_at", expires)
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
