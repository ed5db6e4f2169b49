// Vulnsync synchronizes NVD CVE records, enriched with the CISA KEV catalog,
// into a SQL store.
//
// Usage:
//
//	vulnsync [--config file] [--dsn dsn] run [--since date] [--until date]
//	vulnsync [--config file] [--dsn dsn] serve [--listen addr]
//	vulnsync [--config file] [--dsn dsn] get CVE-ID
//	vulnsync [--config file] [--dsn dsn] status
//
// The DSN selects the store: "postgres://" URLs and "host=" key/value strings
// use PostgreSQL; anything else is a sqlite path, optionally prefixed with
// "sqlite:".
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := new(cli)
	err := c.execute(ctx, c.rootCmd())
	stop()
	if err != nil {
		slog.Error("exiting", "reason", err)
		os.Exit(1)
	}
}
