package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/ledger"
	"github.com/sells-group/dmi/internal/resilience"
)

// initStore opens the configured release ledger, wraps it with retries for
// transient database errors and applies migrations.
func initStore(ctx context.Context) (ledger.Store, error) {
	var (
		st  ledger.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dmi.db"
		}
		st, err = ledger.NewSQLite(dsn)
	case "postgres":
		st, err = ledger.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	retrying := ledger.WithRetry(st, cfg.Store.Driver, resilience.FromConfig(cfg.Store.Retry))
	if err := retrying.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate ledger")
	}
	return retrying, nil
}
