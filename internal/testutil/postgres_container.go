package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var pgShared sharedContainer

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://synapse:synapse@%s/synapse_test?sslmode=disable", hostPort)
}

// GetPostgresEndpoint returns a DSN for a shared PostgreSQL container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return pgShared.get(t, "PostgreSQL", func(ctx context.Context) (string, error) {
		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Verify SQL connectivity using the mapped host:port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return postgresDSN(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "synapse",
				"POSTGRES_PASSWORD": "synapse",
				"POSTGRES_DB":       "synapse_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := endpointOf(ctx, postgresC)
		if err != nil {
			return "", err
		}
		return postgresDSN(endpoint), nil
	})
}

// OpenPostgres opens a pgx-backed *sql.DB against the shared container.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open pgx failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
