package factory

import (
	"context"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/dolt"
)

func init() {
	open := func(ctx context.Context, s config.DatabaseSettings) (storage.Storage, error) {
		return dolt.New(ctx, doltConfig(s))
	}
	RegisterBackend(config.BackendEmbedded, open)
	RegisterBackend(config.BackendServer, open)
}

func doltConfig(s config.DatabaseSettings) *dolt.Config {
	return &dolt.Config{
		Path:           s.Path,
		Database:       s.Name,
		CommitterName:  s.CommitName,
		CommitterEmail: s.CommitEmail,
		ServerMode:     s.Backend == config.BackendServer,
		ServerHost:     s.Host,
		ServerPort:     s.Port,
		ServerUser:     s.User,
		ServerPassword: s.Password,
	}
}
