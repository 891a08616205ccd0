//go:build !cgo

package dolt

import (
	"context"
	"errors"
	"fmt"
)

var errNoCGO = errors.New("dolt: this binary was built without CGO support; rebuild with CGO_ENABLED=1")

// newEmbeddedMode fails in non-CGO builds; server mode still works.
func newEmbeddedMode(_ context.Context, _ *Config) (*DoltStore, error) {
	return nil, fmt.Errorf("embedded mode requires CGO: %w\n\nTo use Dolt without CGO, connect to a dolt sql-server:\n  ft config set database.backend server", errNoCGO)
}
