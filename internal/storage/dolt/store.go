// Package dolt implements the storage interface using Dolt, a versioned
// MySQL-compatible database.
//
// Connection modes:
//   - Embedded: no server required, database/sql via dolthub/driver (CGO)
//   - Server: connect to a running dolt sql-server over the MySQL protocol,
//     for several ft processes (collectors, the CLI, async reassign jobs)
//     sharing one database
//
// Because the database is versioned, ft commits after bulk operations
// (reassignment, bucket deletion) so bucketing history can be inspected
// with dolt log and dolt diff.
package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	// MySQL driver for server mode connections
	_ "github.com/go-sql-driver/mysql"

	"github.com/fuzztriage/fuzztriage/internal/storage"
)

// DefaultSQLPort is the port dolt sql-server listens on by default in ft
// workspaces.
const DefaultSQLPort = 3307

// DoltStore implements storage.Storage using Dolt.
type DoltStore struct {
	db         *sql.DB
	dbPath     string      // embedded: absolute database directory
	closed     atomic.Bool // set by Close
	mu         sync.RWMutex
	serverMode bool

	// connector is the embedded engine. It must be closed to release the
	// filesystem locks it holds.
	connector io.Closer

	committerName  string
	committerEmail string
}

var _ storage.Storage = (*DoltStore)(nil)

// Config holds Dolt database configuration.
type Config struct {
	Path           string // embedded: database directory
	Database       string // database name (default: fuzztriage)
	CommitterName  string
	CommitterEmail string

	ServerMode     bool
	ServerHost     string // default: 127.0.0.1
	ServerPort     int    // default: 3307
	ServerUser     string // default: root
	ServerPassword string // default: $FT_DOLT_PASSWORD
	ServerTLS      bool
}

// Server mode uses go-sql-driver/mysql, which does not retry on its own.
// Transient connection errors (stale pool connections, server restarts)
// are retried here.
const serverRetryMaxElapsed = 30 * time.Second

func newServerRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return bo
}

// isRetryableError reports whether err is a transient connection error worth
// retrying in server mode.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"lost connection", // MySQL 2013: mid-query disconnect
		"gone away",       // MySQL 2006: idle connection timeout
		"i/o timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// withRetry runs op, retrying transient errors in server mode. Embedded mode
// has driver-level retry.
func (s *DoltStore) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newServerRetryBackoff(), ctx))
}

func (s *DoltStore) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// read runs fn against the database with server-mode retry. fn must be
// safe to run more than once.
func (s *DoltStore) read(ctx context.Context, fn func(q querier) error) error {
	if s.closed.Load() {
		return errors.New("dolt store is closed")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.withRetry(ctx, func() error { return fn(s.db) })
}

// New opens (creating if needed) a Dolt database and initializes the schema.
func New(ctx context.Context, cfg *Config) (*DoltStore, error) {
	if cfg.Database == "" {
		cfg.Database = "fuzztriage"
	}
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = "ft"
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = "ft@localhost"
	}

	if !cfg.ServerMode {
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return newEmbeddedMode(ctx, cfg)
	}

	if cfg.ServerHost == "" {
		cfg.ServerHost = "127.0.0.1"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultSQLPort
	}
	if cfg.ServerUser == "" {
		cfg.ServerUser = "root"
	}
	if cfg.ServerPassword == "" {
		cfg.ServerPassword = os.Getenv("FT_DOLT_PASSWORD")
	}
	return newServerMode(ctx, cfg)
}

func newServerMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	// Fail fast with a clear message before the MySQL driver's own timeouts.
	addr := net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("Dolt server unreachable at %s: %w\n\nStart one in the database directory with:\n  dolt sql-server --port %d",
			addr, err, cfg.ServerPort)
	}
	_ = conn.Close()

	db, err := openServerConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping Dolt server: %w", err)
	}
	if err := initSchemaOnDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &DoltStore{
		db:             db,
		serverMode:     true,
		committerName:  cfg.CommitterName,
		committerEmail: cfg.CommitterEmail,
	}, nil
}

// buildServerDSN constructs a MySQL DSN for a Dolt server. An empty database
// connects without selecting one.
func buildServerDSN(cfg *Config, database string) string {
	userPart := cfg.ServerUser
	if cfg.ServerPassword != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.ServerUser, cfg.ServerPassword)
	}
	params := "parseTime=true&loc=UTC"
	if cfg.ServerTLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, cfg.ServerHost, cfg.ServerPort, database, params)
}

func openServerConnection(ctx context.Context, cfg *Config) (*sql.DB, error) {
	initDB, err := sql.Open("mysql", buildServerDSN(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // G201: validated by validateDatabaseName
	if err != nil {
		// Dolt may return 1007 even with IF NOT EXISTS.
		errLower := strings.ToLower(err.Error())
		if !strings.Contains(errLower, "database exists") && !strings.Contains(errLower, "1007") {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	db, err := sql.Open("mysql", buildServerDSN(cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open Dolt server connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

var databaseNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,63}$`)

// validateDatabaseName guards the database name interpolated into
// CREATE DATABASE.
func validateDatabaseName(name string) error {
	if !databaseNameRe.MatchString(name) {
		return fmt.Errorf("must start with a letter or underscore and contain only letters, digits, '_' or '-' (max 64)")
	}
	return nil
}

// Close closes the database connection and releases the embedded engine.
func (s *DoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.db != nil {
		if cerr := closeWithTimeout("db", s.db.Close); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
	}
	if s.connector != nil {
		if cerr := closeWithTimeout("embedded connector", s.connector.Close); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
		s.connector = nil
	}
	s.db = nil
	return err
}

// Path returns the embedded database directory ("" in server mode).
func (s *DoltStore) Path() string {
	return s.dbPath
}

// Commit records the working set as a Dolt commit. An empty working set is
// not an error.
func (s *DoltStore) Commit(ctx context.Context, message string) error {
	author := fmt.Sprintf("%s <%s>", s.committerName, s.committerEmail)
	_, err := s.execContext(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, author)
	if err != nil && !isNothingToCommit(err) {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func isNothingToCommit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "no changes")
}

// closeWithTimeout runs closeFn, giving up after closeTimeout. Embedded Dolt
// can hang on shutdown.
func closeWithTimeout(name string, closeFn func() error) error {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeTimeout):
		return fmt.Errorf("%s close timed out after %v", name, closeTimeout)
	}
}

const closeTimeout = 5 * time.Second
