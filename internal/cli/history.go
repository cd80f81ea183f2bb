package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/L1nMay/scanconsole/internal/logger"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished scans",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of scans to list (0 = all)")
	historyCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, pg, hist, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := pg.Close(); err != nil {
			logger.Warnf("close postgres: %v", err)
		}
		_ = store.Close()
	}()

	runs, err := hist.ListScanRuns(limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "text":
	default:
		return fmt.Errorf("unknown format %q (expected text or json)", format)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "no scans recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTARGET\tTYPE\tSTATUS\tOPEN\tVULNS\tID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Target,
			r.ScanType,
			r.Status,
			r.Statistics.OpenPortsFound,
			r.Statistics.VulnerabilitiesFound.Total(),
			r.ID,
		)
	}
	return tw.Flush()
}
