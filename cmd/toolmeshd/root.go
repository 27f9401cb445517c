package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolmesh/toolmesh/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolmeshd",
	Short: "A composable MCP tool server",
	Long: `toolmeshd merges tools contributed by in-process built-in providers
and out-of-process external providers into a single MCP tool namespace,
supervising external provider child processes and hot-reloading them when
their configuration or source changes.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	config.LoadEnv()
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "toolmesh.yaml", "configuration file path")
}
