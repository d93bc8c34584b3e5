package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/recycle-check/internal/config"
	"github.com/example/recycle-check/internal/logging"
	"github.com/example/recycle-check/internal/recycling"
)

type classifyResult struct {
	File string `json:"file"`
	recycling.Outcome
}

func newClassifyCommand() *cobra.Command {
	var (
		parallel int
		fallback string
	)
	cmd := &cobra.Command{
		Use:   "classify <image>...",
		Short: "Classify local image files and print one JSON outcome per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if fallback != "" {
				cfg.Classifier.LabelFallback = fallback
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			classifier, release, err := buildClassifier(ctx, cfg.Classifier, logger)
			if err != nil {
				return err
			}
			defer release()

			pipeline := recycling.NewPipeline(classifier, recycling.NewMapper(recycling.FallbackByName(cfg.Classifier.LabelFallback)), logger)
			return classifyFiles(ctx, pipeline, args, parallel, cfg.Classifier.Timeout, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", runtime.NumCPU(), "maximum concurrent classifications")
	cmd.Flags().StringVar(&fallback, "fallback", "", "label fallback policy (random, plastic, metal, paper)")
	return cmd
}

type itemClassifier interface {
	ClassifyItem(ctx context.Context, imageBytes []byte) recycling.Outcome
}

// classifyFiles runs the pipeline over paths with at most parallel workers.
// Every readable file gets an outcome line; the first read error is
// returned once all files are done. Classification problems are reported as
// degraded outcomes.
func classifyFiles(ctx context.Context, classifier itemClassifier, paths []string, parallel int, timeout time.Duration, out io.Writer, logger *zap.Logger) error {
	if parallel < 1 {
		parallel = 1
	}

	var mu sync.Mutex
	enc := json.NewEncoder(out)

	// A plain Group: one unreadable file must not cancel classifications
	// already running for its siblings.
	var g errgroup.Group
	g.SetLimit(parallel)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			itemCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			outcome := classifier.ClassifyItem(itemCtx, data)
			if outcome.Degraded() {
				logger.Warn("classification degraded", zap.String("file", path), zap.String("reasoning", outcome.Reasoning))
			}

			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(classifyResult{File: path, Outcome: outcome})
		})
	}
	return g.Wait()
}
