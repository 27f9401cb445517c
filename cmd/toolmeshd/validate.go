package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolmesh/toolmesh/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the configuration file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid\n", cfgFile)
		fmt.Printf("  providers:           %d\n", len(doc.Providers))
		fmt.Printf("  hot reload:          %v\n", doc.Dev.HotReload)
		fmt.Printf("  tool call timeout:   %s\n", doc.Performance.ToolCallTimeout.Dur())
		fmt.Printf("  registration timeout:%s\n", doc.Performance.ProviderRegistrationTimeout.Dur())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
