package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run an on-demand reconciliation",
	Long: `Force a reconciliation with the primary store outside the background
reconnection loop: replay pending local changes, then pull remote rows.

Example:
  standby sync
  standby sync --timeout 2m`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "Overall sync timeout")
}

func runSync(cmd *cobra.Command, args []string) error {
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	res, err := m.ForceSync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Println("Reconciliation complete")
	fmt.Printf("  Pushed:      %d\n", res.Pushed)
	fmt.Printf("  Discarded:   %d\n", res.Discarded)
	fmt.Printf("  Skipped:     %d\n", res.Skipped)
	fmt.Printf("  Pulled:      %d\n", res.Pulled)
	fmt.Printf("  Pull errors: %d\n", res.PullErrs)
	if res.FullPull {
		fmt.Println("  (first-ever sync: full pull)")
	}
	return nil
}
