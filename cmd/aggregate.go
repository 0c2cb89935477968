package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/grid-pipeline/internal/aggregate"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Insert daily per-region totals into gold",
	Long:  "Sums hourly demand and net generation per UTC day and region and inserts a gold row for every pair not already present. Existing gold rows are never updated.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("aggregate"); err != nil {
			return err
		}

		wh, err := initWarehouse(ctx, cfg.Warehouse)
		if err != nil {
			return err
		}
		defer wh.Close()

		res, err := aggregate.New(wh, wh).Run(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
}
