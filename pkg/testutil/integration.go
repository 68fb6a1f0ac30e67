package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// StartPostgres runs a PostgreSQL container and returns a pgx backed
// database handle. The test is skipped when no container runtime is
// available. Callers import the pgx stdlib driver.
func StartPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("aggregation"),
		postgres.WithUsername("nebula"),
		postgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// StartMySQL runs a MySQL container through the generic container API.
// Callers import the go-sql-driver/mysql driver.
func StartMySQL(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	port := nat.Port("3306/tcp")
	dsnFor := func(host string, port nat.Port) string {
		return fmt.Sprintf("root:secret@tcp(%s:%s)/aggregation?parseTime=true", host, port.Port())
	}
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "aggregation",
		},
		WaitingFor: wait.ForSQL(port, "mysql", dsnFor).WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	db, err := sql.Open("mysql", dsnFor(host, mapped))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
