package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var discardsLimit int

var discardsCmd = &cobra.Command{
	Use:   "discards",
	Short: "List discarded local changes",
	Long: `List the audit trail of local writes that lost a conflict during
reconciliation and were dropped by the remote-wins policy. Discarded
changes are never deleted automatically.

Example:
  standby discards
  standby discards --limit 10`,
	RunE: runDiscards,
}

func init() {
	discardsCmd.Flags().IntVar(&discardsLimit, "limit", 20, "Maximum records to show")
}

func runDiscards(cmd *cobra.Command, args []string) error {
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	discards, err := m.Store().Discards(discardsLimit)
	if err != nil {
		return fmt.Errorf("list discards: %w", err)
	}

	if len(discards) == 0 {
		fmt.Println("No discarded changes.")
		return nil
	}

	for _, d := range discards {
		key, _ := json.Marshal(d.Key)
		fmt.Printf("[%s] %s %s key=%s\n",
			d.DiscardedAt.Format(time.RFC3339), d.TableName, d.Reason, key)
	}
	return nil
}
