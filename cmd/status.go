package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/grid-pipeline/internal/ingest"
	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/objstore"
	"github.com/sells-group/grid-pipeline/internal/warehouse"
)

// statusReport is everything the status command prints.
type statusReport struct {
	Checkpoint *time.Time           `json:"checkpoint" yaml:"checkpoint"`
	Health     *monitoring.Snapshot `json:"health" yaml:"health"`
	Runs       []model.RunEntry     `json:"runs" yaml:"runs"`
	Gold       []model.GoldRow      `json:"gold" yaml:"gold"`
}

type statusSource interface {
	warehouse.RunLog
	ListGold(ctx context.Context, limit int) ([]model.GoldRow, error)
}

func buildStatus(ctx context.Context, st objstore.Store, wh statusSource, limit, lookbackHours int) (*statusReport, error) {
	report := &statusReport{}

	if st != nil {
		cp, err := ingest.NewCheckpointStore(st).Load(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "status: load checkpoint")
		}
		if cp != nil {
			t := cp.LastIngestedUTC
			report.Checkpoint = &t
		}
	}

	snap, err := monitoring.NewCollector(wh).Collect(ctx, lookbackHours)
	if err != nil {
		return nil, eris.Wrap(err, "status: collect")
	}
	report.Health = snap

	if report.Runs, err = wh.ListRuns(ctx, limit); err != nil {
		return nil, eris.Wrap(err, "status: list runs")
	}
	if report.Gold, err = wh.ListGold(ctx, limit); err != nil {
		return nil, eris.Wrap(err, "status: list gold")
	}
	return report, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint, recent runs and latest gold rows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		limit, _ := cmd.Flags().GetInt("limit")
		lookback, _ := cmd.Flags().GetInt("lookback")

		st, err := initStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		wh, err := initWarehouse(ctx, cfg.Warehouse)
		if err != nil {
			return err
		}
		defer wh.Close()

		report, err := buildStatus(ctx, st, wh, limit, lookback)
		if err != nil {
			return err
		}
		return writeStatus(os.Stdout, report, format)
	},
}

func init() {
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	statusCmd.Flags().Int("limit", 20, "max number of runs and gold rows to display")
	statusCmd.Flags().Int("lookback", 24, "hours of run history to summarize")
	rootCmd.AddCommand(statusCmd)
}

func writeStatus(out io.Writer, r *statusReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "status: encode yaml")
		}
		return enc.Close()
	case "table", "":
		formatStatus(out, r)
		return nil
	default:
		return eris.Errorf("status: unknown format %q", format)
	}
}

// formatStatus writes a human-readable report to out.
func formatStatus(out io.Writer, r *statusReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	cp := "none"
	if r.Checkpoint != nil {
		cp = r.Checkpoint.UTC().Format(time.RFC3339)
	}
	_, _ = fmt.Fprintf(w, "Checkpoint:\t%s\n", cp)

	if r.Health != nil {
		_, _ = fmt.Fprintf(w, "\nLast %dh\n", r.Health.LookbackHours)
		_, _ = fmt.Fprintln(w, "STAGE\tRUNS\tCOMPLETE\tFAILED\tROWS\tLAST_SUCCESS")
		stages := make([]string, 0, len(r.Health.Stages))
		for s := range r.Health.Stages {
			stages = append(stages, string(s))
		}
		sort.Strings(stages)
		for _, s := range stages {
			sum := r.Health.Stages[model.Stage(s)]
			last := "-"
			if sum.LastSuccess != nil {
				last = sum.LastSuccess.UTC().Format("2006-01-02 15:04")
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", s, sum.Total, sum.Complete, sum.Failed, sum.Rows, last)
		}
	}

	if len(r.Runs) > 0 {
		_, _ = fmt.Fprintln(w, "\nID\tSTAGE\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
		for _, run := range r.Runs {
			dur := "-"
			if run.CompletedAt != nil {
				dur = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
				run.ID,
				run.Stage,
				run.Status,
				run.StartedAt.UTC().Format("2006-01-02 15:04:05"),
				dur,
				run.Rows,
				truncate(run.Error, 60),
			)
		}
	}

	if len(r.Gold) > 0 {
		_, _ = fmt.Fprintln(w, "\nDAY\tREGION\tDEMAND_MWH\tNET_GEN_MWH")
		for _, g := range r.Gold {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				g.Day.Format("2006-01-02"),
				g.RegionCode,
				formatMWh(g.TotalDemandMWh),
				formatMWh(g.TotalNetGenerationMWh),
			)
		}
	}
	_ = w.Flush()
}

func formatMWh(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
