package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/pkg/poolstats"
)

// Connect initializes a [pgxpool.Pool] based on the connection string.
func Connect(ctx context.Context, connString string, applicationName string) (*pgxpool.Pool, error) {
	const op = `datastore/postgres/Connect`
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &vulnsync.Error{
			Op:      op,
			Kind:    vulnsync.ErrInvalid,
			Message: "failed to parse connection string",
			Inner: &vulnsync.Error{
				// Permanent because the same connection string should always
				// yield an error.
				Kind:  vulnsync.ErrPermanent,
				Inner: err,
			},
		}
	}
	const appnameKey = `application_name`
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params[appnameKey]; !ok {
		params[appnameKey] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &vulnsync.Error{
			Op:      op,
			Kind:    vulnsync.ErrPrecondition,
			Message: "failed to create connection pool",
			Inner:   err,
		}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &vulnsync.Error{
			Op:      op,
			Kind:    vulnsync.ErrTransient,
			Message: "database unreachable",
			Inner:   err,
		}
	}

	if err := prometheus.Register(poolstats.NewCollector(pool, applicationName)); err != nil {
		slog.InfoContext(ctx, "pool metrics already registered")
	}

	return pool, nil
}
