package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/claircore/toolkit/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vulnsentinel/vulnsync/libsync"
	synchttp "github.com/vulnsentinel/vulnsync/libsync/http"
)

const defaultListen = ":8080"

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync on an interval and serve /sync, /healthz and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := log.With(cmd.Context(), "component", "cmd/vulnsync/serve")
			if listen == "" {
				listen = c.cfg.Listen
			}
			if listen == "" {
				listen = defaultListen
			}
			st, err := openStore(ctx, c.cfg.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			s, err := libsync.New(ctx, &libsync.Options{
				Store:  st.Store,
				Client: newClient(),
				Config: &c.cfg.Sync,
			})
			if err != nil {
				return err
			}
			g := libsync.NewGuard(s, st.Locker)

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/", synchttp.NewHandler(g))
			srv := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			eg, ctx := errgroup.WithContext(ctx)
			srv.BaseContext = func(net.Listener) context.Context { return ctx }
			eg.Go(func() error {
				slog.InfoContext(ctx, "starting http server", "addr", listen)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			if !noSchedule {
				eg.Go(func() error {
					err := libsync.Start(ctx, s.Interval(), g)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to serve on (default "+defaultListen+")")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "only sync when POST /sync is called")
	return cmd
}
