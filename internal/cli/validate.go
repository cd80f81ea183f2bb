package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/L1nMay/scanconsole/internal/scan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <target>",
	Short: "Check whether a target may be scanned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := scan.ValidateTarget(args[0])
		if !v.IsValid {
			return fmt.Errorf("%s", v.Reason)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is a valid target\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
