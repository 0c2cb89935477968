package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/grid-pipeline/internal/reshape"
)

var reshapeCmd = &cobra.Command{
	Use:   "reshape",
	Short: "Pivot a bronze object into silver rows",
	Long:  "Reads one raw object (--key) or every raw object under a prefix (--prefix), pivots the long-format records into one row per hour and region, and writes them to the configured silver sink.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		key, _ := cmd.Flags().GetString("key")
		prefix, _ := cmd.Flags().GetString("prefix")
		if (key == "") == (prefix == "") {
			return eris.New("reshape: exactly one of --key or --prefix is required")
		}
		if err := cfg.Validate("reshape"); err != nil {
			return err
		}

		env, err := initReshape(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if prefix != "" {
			res, err := env.Reshaper.ProcessPrefix(ctx, prefix)
			if res != nil {
				_ = enc.Encode(res)
			}
			return err
		}

		ref := reshape.RefFromKey(key)
		ref.CreatedAt = time.Now().UTC()
		res, err := env.Reshaper.Process(ctx, ref)
		if err != nil {
			return err
		}
		return enc.Encode(res)
	},
}

func init() {
	reshapeCmd.Flags().String("key", "", "raw object key to reshape")
	reshapeCmd.Flags().String("prefix", "", "reshape every raw object under this prefix")
	rootCmd.AddCommand(reshapeCmd)
}
