package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/despot/internal/transport"
	"github.com/spf13/cobra"
)

func (a *app) watchCmd() *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a session open and print its state transitions",
		Long: `Log in and keep the session alive with heartbeats, printing every state
transition until interrupted. Combine with --metrics-addr to expose
/metrics and /healthz for the life of the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if hold > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, hold)
				defer cancel()
			}

			c, release, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer release()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), c.State())
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-c.Events():
					line := fmt.Sprintf("%s  %s -> %s", ev.At.Format(time.TimeOnly), ev.From, ev.To)
					if ev.Err != nil {
						line += ": " + ev.Err.Error()
					}
					fmt.Fprintln(out, line)
					if ev.To == transport.StateFailed {
						return ev.Err
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&hold, "for", 0, "stop after this long (0 waits for a signal)")
	return cmd
}
