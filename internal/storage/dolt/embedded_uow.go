//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"errors"

	embedded "github.com/dolthub/driver"
)

// ignoreContextCanceled drops context.Canceled, which the engine's shutdown
// path reports from background goroutines.
func ignoreContextCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// withEmbeddedDolt runs fn against a connector that exists only for this
// unit of work. The connector is closed afterwards so its filesystem locks
// are released before the long-lived connection is opened.
func withEmbeddedDolt(
	ctx context.Context,
	dsn string,
	configure func(cfg *embedded.Config),
	fn func(ctx context.Context, db *sql.DB) error,
) (err error) {
	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return err
	}
	if configure != nil {
		configure(&cfg)
	}

	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer func() {
		cerr := errors.Join(
			ignoreContextCanceled(db.Close()),
			ignoreContextCanceled(connector.Close()),
		)
		err = errors.Join(err, cerr)
	}()

	// Force open (with retries) before the unit of work.
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return fn(ctx, db)
}
