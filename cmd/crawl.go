package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/runner"
)

func newCrawlCmd() *cobra.Command {
	var (
		urlFile    string
		batchSize  int
		startBatch int
		numBatches int
		maxURLs    int
		resume     string
		skipURLs   []string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a checkpointed batch crawl over a URL workload",
		Long: `Processes a CSV workload of website URLs in batches, committing each
batch to the session's results file before moving on. An interrupted session
is resumed with --resume; already-handled URLs are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			if urlFile != "" {
				cfg.Crawl.URLFile = urlFile
			}
			if cfg.Crawl.URLFile == "" {
				return errors.New("no URL workload: set --urls or crawl.url_file")
			}
			if batchSize > 0 {
				cfg.Session.BatchSize = batchSize
			}
			if startBatch > 0 {
				cfg.Crawl.StartBatch = startBatch
			}
			if numBatches > 0 {
				cfg.Crawl.NumBatches = numBatches
			}
			if maxURLs > 0 {
				cfg.Crawl.MaxURLs = maxURLs
			}

			urls, err := runner.LoadURLFile(cfg.Crawl.URLFile, cfg.Crawl.MaxURLs)
			if err != nil {
				return err
			}
			urls = runner.SelectBatchRange(urls, cfg.Session.BatchSize, cfg.Crawl.StartBatch, cfg.Crawl.NumBatches)
			if len(urls) == 0 {
				return errors.New("selected batch range is empty")
			}
			logger.Info("workload loaded",
				zap.String("file", cfg.Crawl.URLFile),
				zap.Int("urls", len(urls)),
				zap.Int("batch_size", cfg.Session.BatchSize),
				zap.Int("start_batch", cfg.Crawl.StartBatch),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(cfg, resume, skipURLs, logger)
			if err != nil {
				return err
			}
			defer s.close()
			s.serveMetrics(stop)

			stats, err := s.runner.Run(ctx, urls)
			if err != nil {
				return fmt.Errorf("crawl run: %w", err)
			}
			logger.Info("crawl complete",
				zap.Int("completed", stats.Completed),
				zap.Int("failed", stats.Failed),
				zap.Float64("success_rate", stats.SuccessRate),
				zap.Duration("elapsed", stats.Elapsed),
				zap.String("csv", stats.CSVPath),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&urlFile, "urls", "", "CSV file with website URLs in the first column")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "URLs per batch (default from config)")
	cmd.Flags().IntVar(&startBatch, "start-batch", 0, "1-based batch to start from")
	cmd.Flags().IntVar(&numBatches, "num-batches", 0, "number of batches to process (0 = all remaining)")
	cmd.Flags().IntVar(&maxURLs, "max-urls", 0, "cap on URLs loaded from the workload file")
	cmd.Flags().StringVar(&resume, "resume", "", "resume the named session")
	cmd.Flags().StringSliceVar(&skipURLs, "skip", nil, "URLs to record as skipped without analysis")
	return cmd
}
