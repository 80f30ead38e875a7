// taskforge is the operator CLI for the orchestration engine. It talks to a
// running taskforge-server over its REST API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Operate a taskforge orchestration server",
		Long: `taskforge drives an autonomous task orchestration server: create
workspaces, review and approve execution proposals, and watch goals,
tasks, and deliverables progress.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("TASKFORGE_SERVER", "http://localhost:8080"),
		"base URL of the taskforge server")

	root.AddCommand(
		newWorkspaceCmd(),
		newProposeCmd(),
		newApproveCmd(),
		newTasksCmd(),
		newDeliverablesCmd(),
		newRecoveryCmd(),
		newInsightsCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalErr(err error) error {
	return fmt.Errorf("server request failed: %w", err)
}
