package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/hookcatch/internal/retention"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, s, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := retention.New(s, retention.Options{MaxAge: cfg.Retention.MaxAge}, logger).RunOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d requests and %d endpoints older than %s\n",
			res.RequestsDeleted, res.EndpointsDeleted, res.Cutoff.Format(time.RFC3339))
		return err
	},
}
