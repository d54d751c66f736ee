// Kazi: sandboxed task execution and result extraction for AI coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi runs AI coding agents in ephemeral sandboxes and extracts their work.",
	Long: `Kazi executes natural-language code-change tasks inside isolated,
throwaway sandboxes. Each task clones the target repository, runs the
chosen agent CLI against it, extracts the resulting commit as a diff and
patch, and can publish the change as a pull request. Sandboxes are
destroyed on every exit path; credentials never touch the task record.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, taskCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
