package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jo-hoe/moodframe/internal/backend/emotion"
	"github.com/jo-hoe/moodframe/internal/core"
	"github.com/spf13/cobra"
)

var (
	exportLimit  int
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the submission history as CSV",
	Long: `Export writes the most recent submissions as CSV, newest first, using the
same columns as the /download_history endpoint. Without --output the CSV is
written to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum number of submissions (default: exportLimit from config)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(ctx context.Context, stdout io.Writer) (err error) {
	path := getConfigPath()
	config, err := core.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	classifier, err := emotion.NewDeepFaceClient(config.Classifier.URL, config.Classifier.Timeout)
	if err != nil {
		return err
	}
	coreService, err := core.NewCoreService(config, classifier)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := coreService.Close(); cerr != nil {
			slog.Error("core service close error", "error", cerr)
		}
	}()

	out := stdout
	if exportOutput != "" {
		file, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", exportOutput, err)
		}
		defer func() {
			if cerr := file.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close %s: %w", exportOutput, cerr)
			}
		}()
		out = file
	}

	if err := coreService.WriteHistoryCSV(ctx, out, exportLimit); err != nil {
		return err
	}
	if exportOutput != "" {
		slog.Info("history exported", "path", exportOutput)
	}
	return nil
}
