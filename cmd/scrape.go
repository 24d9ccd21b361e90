package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/product-scraper/internal/orchestrator"
)

type batchOutput struct {
	orchestrator.BatchResult
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func newScrapeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scrape <search term>",
		Short: "Run one batch and print the result as JSON",
		Long: `Discovers product links for the search term, scrapes up to --limit of
them, and writes the batch result to stdout. Partial results are printed
even when the batch fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := runScrape(ctx, cmd, appInstance, strings.Join(args, " "), limit); err != nil {
				// PersistentPostRunE is skipped on error; flush activity here.
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
				defer cancel()
				return errors.Join(err, appInstance.Close(closeCtx))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum products to scrape (0 uses crawler.batch_limit)")
	return cmd
}

func runScrape(ctx context.Context, cmd *cobra.Command, app App, term string, limit int) error {
	result, runErr := app.Scrape(ctx, orchestrator.Request{SearchTerm: term, Limit: limit})
	if runErr != nil && result.BatchID == "" {
		return fmt.Errorf("scrape %q: %w", term, runErr)
	}
	out := batchOutput{BatchResult: result, DurationMS: result.Duration.Milliseconds()}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("scrape %q: %w", term, runErr)
	}
	return nil
}
