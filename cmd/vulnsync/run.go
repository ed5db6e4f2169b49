package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vulnsentinel/vulnsync"
	"github.com/vulnsentinel/vulnsync/libsync"
)

func (c *cli) runCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync and print its summary as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			opts := libsync.Options{Client: newClient()}
			var err error
			if opts.Since, err = parseDate(since); err != nil {
				return err
			}
			if opts.Until, err = parseDate(until); err != nil {
				return err
			}
			st, err := openStore(ctx, c.cfg.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			opts.Store = st.Store
			opts.Config = &c.cfg.Sync

			s, err := libsync.New(ctx, &opts)
			if err != nil {
				return err
			}
			sum, err := s.Run(ctx)
			out := cmd.OutOrStdout()
			if err != nil {
				writeJSON(out, map[string]string{"error": err.Error()})
				return err
			}
			return writeJSON(out, sum)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first publication date to sync (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "last publication date to sync (YYYY-MM-DD)")
	return cmd
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(vulnsync.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q: %w", s, err)
	}
	return t, nil
}

func newClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
