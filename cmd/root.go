// Package cmd defines the CLI commands for the audit crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tagaudit/gtm-audit-crawler/internal/config"
	"github.com/tagaudit/gtm-audit-crawler/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gtm-audit",
		Short: "Audits websites for Google Tag Manager and attributed trackers",
		Long: `gtm-audit loads websites in a headless browser, detects Google Tag
Manager and consent mode signals, and attributes third-party trackers to the
GTM container using the Ghostery tracker database. Large workloads run in
checkpointed batches that survive interruption and resume.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newAuditCmd(), newCrawlCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}
