package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/config"
	"github.com/parsascontentcorner/liveringserver/internal/database"
	"github.com/parsascontentcorner/liveringserver/internal/models"
)

// SetupTestDB creates a PostgreSQL TestContainer, runs migrations, and returns a database connection.
// Returns the DB connection, a cleanup function, and any error encountered.
//
// Usage:
//
//	db, cleanup, err := testutil.SetupTestDB(ctx)
//	require.NoError(t, err)
//	defer cleanup()
func SetupTestDB(ctx context.Context) (*database.DB, func(), error) {
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg := &config.DatabaseConfig{
		Host:         host,
		Port:         mappedPort.Port(),
		User:         "testuser",
		Password:     "testpass",
		Name:         "testdb",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	db, err := database.NewDB(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Migrations are embedded, so this works from any package directory
	if err := db.RunMigrations(""); err != nil {
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close db", zap.Error(err))
		}
		if err := pgContainer.Terminate(ctx); err != nil {
			logger.Error("failed to terminate container", zap.Error(err))
		}
	}

	return db, cleanup, nil
}

// TruncateTables removes all data from all tables (except schema_migrations).
// Useful for cleaning up between tests without recreating the entire database.
func TruncateTables(ctx context.Context, db *database.DB) error {
	tables := []string{
		"call_sessions",
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// SeedCallSessions inserts the given sessions, stopping at the first error.
func SeedCallSessions(ctx context.Context, db *database.DB, sessions ...*models.CallSession) error {
	for _, s := range sessions {
		if err := db.Insert(ctx, s); err != nil {
			return fmt.Errorf("failed to seed call session %s: %w", s.SessionID, err)
		}
	}
	return nil
}
