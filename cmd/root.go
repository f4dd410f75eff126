// Package cmd implements the docuchat command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "docuchat",
	Short: "Docuchat - ask questions about your documents",
	Long: `Docuchat ingests documents into a hybrid semantic and keyword index
and answers questions about them with citations back to the source.

Run "docuchat ingest" to add documents, "docuchat worker" to process
the ingestion queue and "docuchat ask" to query the corpus.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
