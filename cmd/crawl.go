package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/app"
	"github.com/JakeFAU/fellowship-crawler/internal/config"
	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
)

// Runner is the part of app.App the crawl command uses.
type Runner interface {
	Run(ctx context.Context) (crawler.CompletionEvent, error)
	Close()
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

type crawlFlags struct {
	baseURL  string
	selector string
	output   string
	maxPages int
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the directory and write complete fellowships to CSV",
		Long: `Fetches BASE_URL?page=1, 2, ... until a page shows the no-results marker,
yields no new complete records, repeats the previous page, or the page cap
is reached. Kept records are written to the output CSV.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "directory URL without the page parameter")
	cmd.Flags().StringVar(&flags.selector, "selector", "", "CSS selector scoping extraction")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "output CSV path")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "stop after this many pages (0 = no cap)")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if cmd.Flags().Changed("base-url") {
		cfg.Crawl.BaseURL = flags.baseURL
	}
	if cmd.Flags().Changed("selector") {
		cfg.Crawl.CSSSelector = flags.selector
	}
	if cmd.Flags().Changed("output") {
		cfg.Output.Path = flags.output
	}
	if cmd.Flags().Changed("max-pages") {
		cfg.Crawl.MaxPages = flags.maxPages
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	runner, err := newApp(cmd.Context(), cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer runner.Close()

	event, err := runner.Run(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}

	if event.OutputURI != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d complete fellowships to %s\n", event.Counters.Kept, event.OutputURI)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "No fellowships were found.")
	}
	rt.logger.Info("Crawl command finished.", zap.String("stop_reason", string(event.Stop)))
	return nil
}
