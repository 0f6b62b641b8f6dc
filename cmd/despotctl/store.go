package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/despot/internal/store"
	"github.com/spf13/cobra"
)

func (a *app) storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or prune the persistent entity cache",
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached entities fetched before --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.Purge(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entities\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of cached entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.AddCommand(purge, count)
	return cmd
}

func (a *app) openStore() (*store.Store, error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, err
	}
	if cfg.StorePath == "" {
		return nil, errors.New("no store configured: use --store or set store_path")
	}
	return store.Open(cfg.StorePath)
}
