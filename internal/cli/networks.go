package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/L1nMay/scanconsole/internal/envdetect"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List local networks that can be used as scan targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		nets, err := envdetect.DetectLocalNetworks()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INTERFACE\tNETWORK\tADDRESS\tSCANNABLE")
		for _, n := range nets {
			if !n.Scannable && !all {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", n.Interface, n.CIDR, n.SrcIP, n.Scannable)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(networksCmd)
	networksCmd.Flags().Bool("all", false, "Include networks outside the allowed ranges")
}
