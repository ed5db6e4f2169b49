package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vulnsentinel/vulnsync/datastore"
	"github.com/vulnsentinel/vulnsync/enricher"
)

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get CVE-ID",
		Short: "Print a stored record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !enricher.ValidCVE(args[0]) {
				return fmt.Errorf("%q: not a CVE identifier", args[0])
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			r, err := st.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("%s: not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), r)
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the outcome of the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			sr, ok := st.Store.(datastore.StatusRecorder)
			if !ok {
				return errors.New("store does not record sync status")
			}
			s, err := sr.SyncStatus(ctx)
			if err != nil {
				return err
			}
			if s == nil {
				return errors.New("no sync has run")
			}
			return writeJSON(cmd.OutOrStdout(), s)
		},
	}
}
