// Command researchctl drives a research engine over its HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "researchctl",
	Short: "Control autonomous research sessions",
	Long: `researchctl creates research sessions and controls them while they run.

Available commands:
  start        - Start a session for a query
  get          - Show a session
  pause        - Pause a session at the next step boundary
  resume       - Resume a paused session, optionally with more input
  cancel       - Cancel a session
  checkpoints  - List the checkpoint audit trail
  report       - Print the Markdown report
  watch        - Stream iteration events`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RESEARCHCTL_SERVER", "http://localhost:8081"), "engine base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("RESEARCHCTL_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(startCmd, getCmd, pauseCmd, resumeCmd, cancelCmd, checkpointsCmd, reportCmd, watchCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
