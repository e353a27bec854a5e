package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Promptonauts/fleetci/pkg/api"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			srv := &api.Server{
				Store:        st,
				Metrics:      observability.NewMetricsRegistry(),
				Logger:       a.logger,
				PollInterval: a.v.GetDuration("poll-interval"),
			}
			return srv.Run(ctx, api.Config{
				Addr:            a.v.GetString("addr"),
				ShutdownTimeout: a.v.GetDuration("shutdown-timeout"),
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	cmd.Flags().Duration("poll-interval", time.Second, "how often event streams re-read the store")
	return cmd
}
