package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var showSources bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&showSources, "sources", true, "show source citations")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	res, err := a.Orchestrator.Answer(ctx, question)
	if err != nil {
		return err
	}

	fmt.Println(res.Answer)

	if showSources && len(res.Citations) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, c := range res.Citations {
			fmt.Printf("  [%d] %s v%d chars %d-%d (score %.2f)\n",
				i+1, c.DocumentID, c.Version, c.SpanStart, c.SpanEnd, c.Score)
			fmt.Printf("      %s\n", c.Preview)
		}
	}
	return nil
}
