package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:          "grid-pipeline",
	Short:        "Hourly electricity grid data pipeline",
	Long:         "Lands hourly EIA region-data responses in object storage (bronze), reshapes them into wide hourly rows (silver), and rolls those up into daily per-region totals (gold).",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
