package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show the ingestion status of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Service.GetDocumentState(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Document: %s\n", st.DocumentID)
	fmt.Printf("Version:  %d\n", st.Version)
	fmt.Printf("State:    %s\n", st.State)
	if st.FailureReason != "" {
		fmt.Printf("Reason:   %s\n", st.FailureReason)
	}
	if st.ChunkCount > 0 {
		fmt.Printf("Chunks:   %d\n", st.ChunkCount)
	}
	fmt.Printf("Updated:  %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
