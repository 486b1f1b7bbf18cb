package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication status",
	Long: `Display the current mode, last sync time, pending and discarded change
counts, and local row counts per replicated table.

Example:
  standby status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()

	st, err := m.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	mode := "ONLINE"
	if st.IsOffline {
		mode = "OFFLINE"
	}

	fmt.Println("Replication Status")
	fmt.Println("------------------")
	fmt.Printf("Mode:              %s\n", mode)
	if st.LastRemoteSync.IsZero() {
		fmt.Println("Last remote sync:  never")
	} else {
		fmt.Printf("Last remote sync:  %s (%s ago)\n",
			st.LastRemoteSync.Format(time.RFC3339),
			time.Since(st.LastRemoteSync).Round(time.Second))
	}
	fmt.Printf("Pending changes:   %d\n", st.PendingChanges)
	fmt.Printf("Discarded changes: %d\n", st.DiscardedChanges)

	tables := make([]string, 0, len(st.TableRowCounts))
	for t := range st.TableRowCounts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	fmt.Println("\nLocal rows")
	for _, t := range tables {
		fmt.Printf("  %-16s %d\n", t, st.TableRowCounts[t])
	}
	return nil
}
