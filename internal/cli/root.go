// Package cli implements the dispatchd command line interface.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/dispatchd/dispatchd/internal/cli.version=1.2.3"
	version = "1.0.0"
	logo    = "\n" +
		"     _ _                 _       _         _\n" +
		"  __| (_)___ _ __   __ _| |_ ___| |__   __| |\n" +
		" / _` | / __| '_ \\ / _` | __/ __| '_ \\ / _` |\n" +
		"| (_| | \\__ \\ |_) | (_| | || (__| | | | (_| |\n" +
		" \\__,_|_|___/ .__/ \\__,_|\\__\\___|_| |_|\\__,_|\n" +
		"            |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd - multi-agent chat dispatch engine",
	Long:  color.CyanString(logo) + "\nA WhatsApp multi-agent conversation dispatch engine.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(limitCmd)
}
