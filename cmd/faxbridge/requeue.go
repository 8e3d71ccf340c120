package main

import (
	"fmt"
	"os"
	"strconv"

	"faxbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <job-id>...",
	Short: "Move failed outgoing jobs, or ones stuck past STALE_CLAIM_AFTER, back to created",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, raw := range args {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid job id %q", raw)
			}
			ids = append(ids, id)
		}

		ctx := cmd.Context()
		a, cleanup, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		ctx = logger.With(ctx, a.log)

		actor := os.Getenv("USER")
		if actor == "" {
			actor = "cli"
		}
		log := a.log.With("actor", actor)

		var failed int
		for _, id := range ids {
			if err := a.store.Requeue(ctx, id); err != nil {
				log.Error("requeue failed", "job_id", id, "err", err)
				failed++
				continue
			}
			log.Info("job requeued", "job_id", id)
			fmt.Fprintf(cmd.OutOrStdout(), "job %d requeued\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d job(s) could not be requeued", failed, len(ids))
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(requeueCmd)
}
