package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// testURLs is a small validation set with known GTM-positive and negative
// pages.
var testURLs = []string{
	"https://neetcode.io",
	"https://sport-exercise.ed.ac.uk/gym-memberships/bucs-universal-scheme",
	"https://www.zoopla.co.uk/to-rent/map/property/3-bedrooms/edinburgh-county/",
	"https://www.hdfcbank.com/personal/resources/learning-centre/pay/what-is-add-on-credit-card-and-its-working",
}

// comprehensiveTestURLs widens the validation set with consent-heavy and
// single-page-application sites.
var comprehensiveTestURLs = append(append([]string(nil), testURLs...),
	"https://learn.microsoft.com/en-us/credentials/",
	"https://www.amazon.co.uk/",
	"https://www.onthemarket.com/to-rent/3-bed-property/glasgow-central-/",
	"https://www.rightmove.co.uk/property-to-rent/map.html",
	"https://www.linkedin.com/search/results/all/",
)

func newAuditCmd() *cobra.Command {
	var (
		testSet       bool
		comprehensive bool
	)
	cmd := &cobra.Command{
		Use:   "audit [url]",
		Short: "Analyzes one URL or a built-in validation set",
		Long: `Runs the full detection pipeline against a single URL, or against a
built-in validation set with --test / --comprehensive. Results are written to
a timestamped session under the configured output directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var urls []string
			switch {
			case comprehensive:
				urls = comprehensiveTestURLs
			case testSet:
				urls = testURLs
			case len(args) == 1:
				url := strings.TrimSpace(args[0])
				if !strings.HasPrefix(url, "http") {
					url = "https://" + url
				}
				urls = []string{url}
			default:
				return errors.New("provide a URL or one of --test / --comprehensive")
			}
			return runAudit(cmd.Context(), urls)
		},
	}
	cmd.Flags().BoolVar(&testSet, "test", false, "analyze the small validation set")
	cmd.Flags().BoolVar(&comprehensive, "comprehensive", false, "analyze the extended validation set")
	return cmd
}

func runAudit(parent context.Context, urls []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// One batch for the whole set; audit runs are small.
	cfg.Session.BatchSize = len(urls)
	if cfg.Session.Name == "" {
		cfg.Session.Name = fmt.Sprintf("audit_%s", time.Now().Format("20060102_150405"))
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(cfg, cfg.Session.Name, nil, logger)
	if err != nil {
		return err
	}
	defer s.close()

	stats, err := s.runner.Run(ctx, urls)
	if err != nil {
		return fmt.Errorf("audit run: %w", err)
	}
	logger.Info("audit complete",
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.String("csv", stats.CSVPath),
	)
	return nil
}
