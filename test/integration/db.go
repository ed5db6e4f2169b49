package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createDatabase  = `CREATE DATABASE %s ENCODING 'UTF8';`
	killConnections = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1;`
	dropDatabase    = `DROP DATABASE IF EXISTS %s;`
)

// NewDB creates a scratch database on the server named by NeedDB and returns
// a pool connected to it. The database is dropped when the test finishes.
func NewDB(ctx context.Context, t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := NeedDB(t)
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 8)
	rand.Read(b)
	name := "vulnsync_" + hex.EncodeToString(b)

	adminCfg := cfg.ConnConfig.Copy()
	admin, err := pgx.ConnectConfig(ctx, adminCfg)
	if err != nil {
		t.Fatalf("connecting to %q: %v", dsn, err)
	}
	defer admin.Close(ctx)
	if _, err := admin.Exec(ctx, fmt.Sprintf(createDatabase, name)); err != nil {
		t.Fatal(err)
	}
	t.Logf("created database %q", name)

	cfg.ConnConfig.Database = name
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		pool.Close()
		ctx := context.Background()
		admin, err := pgx.ConnectConfig(ctx, adminCfg)
		if err != nil {
			t.Error(err)
			return
		}
		defer admin.Close(ctx)
		if _, err := admin.Exec(ctx, killConnections, name); err != nil {
			t.Error(err)
		}
		if _, err := admin.Exec(ctx, fmt.Sprintf(dropDatabase, name)); err != nil {
			t.Error(err)
		}
	})
	return pool
}
