package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/eia"
	"github.com/sells-group/grid-pipeline/internal/fetcher"
	"github.com/sells-group/grid-pipeline/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Land every hour since the checkpoint in bronze",
	Long:  "Requests all complete hours after the stored checkpoint from the region-data API, writes the raw response as a new bronze object, and advances the checkpoint. Running it again within the same hour is a no-op.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}

		runs, closeRuns := optionalRunLog(ctx, cfg.Warehouse)
		defer closeRuns()

		pub, err := initPublisher(cfg.Queue)
		if err != nil {
			return eris.Wrap(err, "ingest: init publisher")
		}
		defer pub.Close() //nolint:errcheck

		client := eia.NewClient(
			fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent: cfg.EIA.UserAgent,
				Timeout:   cfg.EIA.Timeout(),
			}),
			eia.Options{
				BaseURL:     cfg.EIA.BaseURL,
				APIKey:      cfg.EIA.APIKey,
				Respondents: cfg.EIA.Respondents,
			},
		)

		in := ingest.New(client, st, runs, pub, ingest.Options{
			APIKey:    cfg.EIA.APIKey,
			Source:    cfg.EIA.Source,
			Bootstrap: cfg.EIA.Bootstrap(),
		})

		res, err := in.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		zap.L().Info("ingest finished", zap.String("status", string(res.Status)))
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
