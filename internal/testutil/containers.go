// Package testutil starts throwaway backing services for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startTimeout = 3 * time.Minute

// run starts a container for the lifetime of t. Tests are skipped under
// -short and when no container runtime is reachable.
func run(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) (testcontainers.Container, string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", image)
	}

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Skipf("cannot start %s container: %v", image, err)
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("%s endpoint: %v", image, err)
	}
	return c, endpoint
}

// PostgresDSN starts PostgreSQL and returns a pgx-compatible DSN.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	_, endpoint := run(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Verify SQL connectivity using the mapped host:port
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://funnel:funnel@%s:%s/funnel_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "funnel",
			"POSTGRES_PASSWORD": "funnel",
			"POSTGRES_DB":       "funnel_test",
		}),
	)
	return fmt.Sprintf("postgres://funnel:funnel@%s/funnel_test?sslmode=disable", endpoint)
}

// RedisAddr starts Redis and returns its host:port.
func RedisAddr(t *testing.T) string {
	t.Helper()
	_, endpoint := run(t, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	return endpoint
}

// MongoURI starts MongoDB and returns a connection URI.
func MongoURI(t *testing.T) string {
	t.Helper()
	_, endpoint := run(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	return fmt.Sprintf("mongodb://%s", endpoint)
}
