package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/worker"
)

// newCrawlCmd creates the 'crawl' subcommand, which discovers targets with the
// configured source and downloads each of them.
func newCrawlCmd() *cobra.Command {
	var (
		targetsFile string
		serve       bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Discover and download every target",
		Long: `Discovers targets with the configured source (a targets file, link
discovery over listing pages, or the rendered portal listing) and downloads
each one with the worker pool. Targets completed by an earlier run are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if targetsFile != "" {
				cfg.Discover.Mode = config.DiscoverFile
				cfg.Discover.TargetsFile = targetsFile
			}
			if serve {
				cfg.Server.Enabled = true
			}
			return harvest(cmd.Context(), cfg, e.logger, nil, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&targetsFile, "targets", "", "read target identifiers from this file instead of the configured source")
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the operator API while crawling")
	return cmd
}

// newDownloadCmd creates the 'download' subcommand for explicit identifiers.
func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <target>...",
		Short: "Download the given targets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return harvest(cmd.Context(), e.cfg, e.logger, args, cmd.OutOrStdout())
		},
	}
}

func harvest(ctx context.Context, cfg config.Config, logger *zap.Logger, ids []string, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	src, err := a.Source(ids)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serverDone := make(chan struct{})
	if cfg.Server.Enabled {
		go func() {
			defer close(serverDone)
			if err := a.Server().ListenAndServe(runCtx); err != nil {
				a.Logger().Error("api server stopped", zap.Error(err))
			}
		}()
	} else {
		close(serverDone)
	}

	summary, err := a.Run(runCtx, src)
	cancel()
	<-serverDone

	printSummary(out, summary)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			a.Logger().Warn("run interrupted; completed targets were saved", zap.Error(err))
			return nil
		}
		return fmt.Errorf("run crawler: %w", err)
	}
	a.Logger().Info("run finished")
	return nil
}

func printSummary(out io.Writer, s worker.Summary) {
	fmt.Fprintf(out, "run %s: %d processed (%d succeeded, %d already downloaded, %d invalid, %d failed), %d skipped as completed, %d duplicates\n",
		s.RunID, s.Processed(), s.Succeeded, s.Skipped, s.Invalid, s.Failed, s.AlreadyDone, s.Duplicates)
}
