package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/toolmesh/toolmesh/internal/config"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect configured providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print configured providers and their last-known status",
	Long: `Reads the status file a running "toolmeshd serve" process maintains.
If no status file exists yet (the host has never been started, or the file
path has changed), only the providers declared in the configuration file
are listed, with status "unknown".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		live := map[string]providerStatus{}
		if st, err := readStatus(doc.Host.StatusFile); err == nil {
			for _, p := range st.Providers {
				live[p.Name] = p
			}
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTYPE\tPATH\tSTATE")
		for name, p := range doc.Providers {
			state := "unknown"
			if s, ok := live[name]; ok {
				state = s.State
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, p.Type, p.Path, state)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd)
}
