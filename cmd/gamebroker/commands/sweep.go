package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/panelbroker/gamebroker/pkg/sweeper"
	"github.com/spf13/cobra"
)

var sweepMaxAge time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire pending requests older than the maximum age",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 0, "Override request-max-age for this sweep")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	maxAge := a.cfg.RequestMaxAge
	if sweepMaxAge > 0 {
		maxAge = sweepMaxAge
	}

	n, err := sweeper.New(a.orchestrator, a.cfg.SweepInterval, maxAge).RunOnce(ctx)
	if err != nil {
		return explain(err)
	}

	fmt.Printf("✓ Expired %d request(s) older than %s\n", n, maxAge)
	return nil
}
