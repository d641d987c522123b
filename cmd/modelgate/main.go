// Command modelgate is the gateway binary: the server itself plus the
// administrative subcommands for managing access tokens and monitors.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// For testing
var osExit = os.Exit

var rootCmd = &cobra.Command{
	Use:   "modelgate",
	Short: "OpenAI-compatible gateway for multiple LLM providers",
	Long: `modelgate exposes a single OpenAI-compatible chat completion endpoint
in front of multiple upstream LLM providers, gates access with per-user
tokens and daily quotas, and bridges asynchronous monitor events into the
same streaming interface.`,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(monitorCmd)
}

func main() {
	// Environment is loaded once up front so every subcommand sees the
	// same configuration. A missing .env file is not an error.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}
