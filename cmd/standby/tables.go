package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/standby-db/standby"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List replicated table descriptors",
	Long: `Show the tables this engine replicates, with the natural-key columns
used for upsert matching and the last-modified column used for conflict
comparison.

Example:
  standby tables`,
	Run: runTables,
}

func runTables(cmd *cobra.Command, args []string) {
	for _, t := range standby.DefaultTables() {
		fmt.Printf("%s\n", t.Name)
		fmt.Printf("  columns:  %s\n", strings.Join(t.ColumnNames(), ", "))
		fmt.Printf("  key:      %s\n", strings.Join(t.KeyColumns, ", "))
		fmt.Printf("  modified: %s\n", t.ModifiedColumn)
	}
}
