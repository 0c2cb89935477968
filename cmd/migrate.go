package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply warehouse schema migrations",
	Long:  "Creates the silver, gold and pipeline schemas and applies all pending SQL migrations in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		wh, err := warehouse.Open(ctx, cfg.Warehouse)
		if err != nil {
			return err
		}
		defer wh.Close()

		if err := wh.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully", zap.String("driver", cfg.Warehouse.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
