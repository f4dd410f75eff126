package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var ingestID string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]...",
	Short: "Submit documents for ingestion",
	Long: `Submits one or more text files to the ingestion queue. Each file
becomes a document whose ID defaults to the file name; resubmitting a
changed file creates a new version and retires the old one once the
new version is fully indexed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "document ID (single file only, defaults to file name)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestID != "" && len(args) > 1 {
		return fmt.Errorf("--id can only be used with a single file")
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		id := ingestID
		if id == "" {
			id = filepath.Base(path)
		}

		h, err := a.Service.SubmitIngestion(ctx, id, string(data))
		if err != nil {
			return fmt.Errorf("submitting %s: %w", id, err)
		}
		if h.Unchanged {
			fmt.Printf("%s: unchanged, version %d already indexed\n", h.DocumentID, h.Version)
			continue
		}
		fmt.Printf("%s: queued as version %d (job %s)\n", h.DocumentID, h.Version, h.JobID)
	}
	return nil
}
