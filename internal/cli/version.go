package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, map[string]string{
			"name":       "harrier",
			"version":    buildInfo.Version,
			"commit":     buildInfo.Commit,
			"build_date": buildInfo.BuildDate,
		})
	},
}
