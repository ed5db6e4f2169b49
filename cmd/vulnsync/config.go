package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/datastore/postgres"
	"github.com/vulnsentinel/vulnsync/datastore/sqlite"
	"github.com/vulnsentinel/vulnsync/libsync"
	"github.com/vulnsentinel/vulnsync/nvd"
)

// defaultDSN is the store used when none is configured.
const defaultDSN = "vulnsync.db"

// config is the configuration file layout.
type config struct {
	DSN    string         `yaml:"dsn" toml:"dsn"`
	Listen string         `yaml:"listen" toml:"listen"`
	Sync   libsync.Config `yaml:"sync" toml:"sync"`
}

// loadConfig reads the file at path, choosing the decoder by extension. An
// empty path yields the zero config.
func loadConfig(path string) (*config, error) {
	var cfg config
	if path == "" {
		return &cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(b), &cfg)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
		if un := md.Undecoded(); len(un) != 0 {
			return nil, fmt.Errorf("config %q: unknown keys %v", path, un)
		}
	default:
		return nil, fmt.Errorf("config %q: unknown extension %q", path, ext)
	}
	return &cfg, nil
}

// applyEnv overrides the file settings with NVD_API_KEY and VULNSYNC_DSN.
func (c *config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("NVD_API_KEY"); ok && v != "" {
		if c.Sync.NVD == nil {
			c.Sync.NVD = new(nvd.Config)
		}
		c.Sync.NVD.APIKey = &v
	}
	if v, ok := lookup("VULNSYNC_DSN"); ok && v != "" {
		c.DSN = v
	}
}

// store bundles a datastore and whatever it needs closed.
type store struct {
	datastore.Store
	// Locker is nil for stores without cross-process locking.
	Locker datastore.Locker
	close  func()
}

func (s *store) Close() { s.close() }

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// openStore connects to the store named by dsn, creating the schema if
// needed.
func openStore(ctx context.Context, dsn string) (*store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	if isPostgres(dsn) {
		pool, err := postgres.Connect(ctx, dsn, "vulnsync")
		if err != nil {
			return nil, err
		}
		s, err := postgres.NewStore(ctx, pool, postgres.WithMigrations)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &store{Store: s, Locker: s, close: pool.Close}, nil
	}
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "sqlite:")
	s, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &store{Store: s, close: func() { s.Close() }}, nil
}
