// Package testutil provides shared test infrastructure: a quiet logger and
// a throwaway Postgres container for the shared-registry tests.
//
// Usage:
//
//	func TestShared(t *testing.T) {
//	    tc := testutil.StartPostgres(t)
//	    store, _ := storage.NewPostgresStore(ctx, tc.DSN, testutil.TestLogger())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a Postgres container for the duration of the test.
// The test is skipped when no container runtime is available.
func StartPostgres(t *testing.T) *TestContainer {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	tc, err := startPostgres(context.Background())
	if err != nil {
		t.Fatalf("testutil: %v", err)
	}
	t.Cleanup(tc.Terminate)
	return tc
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process on failure.
func MustStartPostgres() *TestContainer {
	tc, err := startPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %v\n", err)
		os.Exit(1)
	}
	return tc
}

func startPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hearth",
			"POSTGRES_PASSWORD": "hearth",
			"POSTGRES_DB":       "hearth",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://hearth:hearth@%s:%s/hearth?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
