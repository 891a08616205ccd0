//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
)

const embeddedOpenMaxElapsed = 30 * time.Second

func newEmbeddedOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = embeddedOpenMaxElapsed
	return bo
}

func embeddedDSN(absPath string, cfg *Config, database string) string {
	q := url.Values{}
	q.Set("commitname", cfg.CommitterName)
	q.Set("commitemail", cfg.CommitterEmail)
	if database != "" {
		q.Set("database", database)
	}
	return "file://" + absPath + "?" + q.Encode()
}

// newEmbeddedMode opens the database with the in-process Dolt engine.
func newEmbeddedMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	if info, err := os.Stat(cfg.Path); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("database path %q is a file, not a directory", cfg.Path)
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	// The embedded driver changes its working directory to the DSN path; a
	// relative path would be applied twice.
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	configureRetries := func(c *embedded.Config) {
		c.BackOff = newEmbeddedOpenBackoff()
	}

	if err := withEmbeddedDolt(ctx, embeddedDSN(absPath, cfg, ""), configureRetries, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // G201: validated by validateDatabaseName
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to create dolt database: %w", err)
	}

	dsn := embeddedDSN(absPath, cfg, cfg.Database)
	if err := withEmbeddedDolt(ctx, dsn, configureRetries, initSchemaOnDB); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db, connector, err := openEmbeddedConnection(dsn)
	if err != nil {
		return nil, err
	}
	// The driver derives a session context from the first Connect and reuses
	// it, so a caller context cancelled after New returns would poison the
	// pool.
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		_ = connector.Close()
		return nil, fmt.Errorf("failed to ping Dolt database: %w", err)
	}

	return &DoltStore{
		db:             db,
		dbPath:         absPath,
		connector:      connector,
		committerName:  cfg.CommitterName,
		committerEmail: cfg.CommitterEmail,
	}, nil
}

func openEmbeddedConnection(dsn string) (*sql.DB, *embedded.Connector, error) {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Dolt DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded Dolt is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, connector, nil
}
