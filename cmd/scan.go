package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// newScanCmd runs exactly one cycle and prints a summary.
func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Runs a single scan cycle and prints a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			status, scanErr := app.ScanOnce(cmd.Context())
			writeSummary(cmd.OutOrStdout(), status)

			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				app.Logger().Warn("shutdown failed", zap.Error(err))
			}
			if scanErr != nil {
				return fmt.Errorf("scan cycle failed: %w", scanErr)
			}
			return nil
		},
	}
}

func writeSummary(w io.Writer, status scan.Status) {
	fmt.Fprintf(w, "cycle:      %s (%s)\n", status.CycleID, status.State)
	fmt.Fprintf(w, "keywords:   %v\n", []string(status.CycleKeywords))
	fmt.Fprintf(w, "targets:    %d scanned, %d failed\n", status.TargetCount, status.TargetsFailed)
	if status.LinksInfo.Filename != "" {
		fmt.Fprintf(w, "links:      %d in %s\n", status.LinksInfo.Count, status.LinksInfo.Filename)
	}
	fmt.Fprintf(w, "matches:    %d\n", status.MatchCount)
	if status.ResultsFile != "" {
		fmt.Fprintf(w, "results:    %s\n", status.ResultsFile)
	}
	fmt.Fprintf(w, "runtime:    %.1fs\n", status.DurationSeconds)
	if status.LastError != "" {
		fmt.Fprintf(w, "error:      %s\n", status.LastError)
	}
	for _, m := range status.Results {
		fmt.Fprintf(w, "  [%s] %s: %s\n", m.Keyword, m.Target, m.Context)
	}
}
