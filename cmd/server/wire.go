package main

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherrelay/internal/config"
	"github.com/Tyrowin/cipherrelay/internal/identity"
	"github.com/Tyrowin/cipherrelay/internal/store"
)

type deps struct {
	verifier identity.Verifier
	store    store.Store
}

// buildDeps constructs the identity verifier and message store selected by
// cfg. Opening a database is bounded by the collaborator timeout.
func buildDeps(cfg config.Config, logger *zap.Logger) (*deps, error) {
	client := &http.Client{Timeout: cfg.CollaboratorTimeout}

	var verifier identity.Verifier
	switch cfg.Identity.Provider {
	case config.ProviderJWT:
		verifier = identity.NewJWTVerifier(cfg.Identity.JWTSecret)
	default:
		verifier = identity.NewRESTVerifier(cfg.Storage.URL, cfg.Storage.ServiceKey, client, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CollaboratorTimeout)
	defer cancel()

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		st, err = store.OpenPostgres(ctx, cfg.Store.DSN, cfg.Store.Table)
	case config.DriverSQLite:
		st, err = store.OpenSQLite(ctx, cfg.Store.DSN, cfg.Store.Table)
	case config.DriverRedis:
		st, err = store.OpenRedis(ctx, cfg.Store.RedisAddr)
	case config.DriverMemory:
		st = store.NewMemory()
	default:
		st = store.NewREST(cfg.Storage.URL, cfg.Storage.ServiceKey, cfg.Store.Table, client, logger)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.Store.Driver)
	}

	return &deps{verifier: verifier, store: st}, nil
}
