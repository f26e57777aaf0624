package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chadiek/practice-call/internal/config"
	"github.com/chadiek/practice-call/internal/conversation"
)

var scenariosFile string

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the practice scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := scenariosFile
		if path == "" {
			path = config.Load().ScenariosFile
		}
		catalog, err := conversation.LoadCatalogFile(path)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLIENT\tTYPE\tPERSONALITY\tDIFFICULTY")
		for _, s := range catalog.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.ClientName, s.ClientType, s.Personality, s.Difficulty)
		}
		return w.Flush()
	},
}

func init() {
	scenariosCmd.Flags().StringVar(&scenariosFile, "file", "", "scenario catalog YAML (defaults to SCENARIOS_FILE, then the built-in scenarios)")
	rootCmd.AddCommand(scenariosCmd)
}
