package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "knowctl",
	Short: "Knowledge-management engine for markdown corpora",
	Long: `knowctl ingests markdown documents with YAML front-matter, indexes them
into a filterable chunk store, vector index and semantic link graph, and
serves search, answer and facet queries over them.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
}
