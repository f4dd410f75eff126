package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats()
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats() error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Service.CorpusStats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Documents:        %d\n", st.Documents)
	fmt.Printf("Indexed versions: %d\n", st.IndexedVersions)
	fmt.Printf("Chunks:           %d\n", st.Chunks)
	fmt.Printf("Vector entries:   %d\n", st.VectorEntries)
	fmt.Printf("Lexical entries:  %d\n", st.LexicalEntries)
	return nil
}
