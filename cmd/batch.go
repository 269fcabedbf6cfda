package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/search-aggregator/internal/model"
)

var (
	batchCaller callerFlags
	batchFile   string
	batchLimit  int
	batchFormat string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run searches from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		caller, err := batchCaller.caller()
		if err != nil {
			return err
		}
		reqs, err := loadBatchFile(batchFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		results := processBatch(ctx, reqs, batchLimit, cfg.Batch.MaxConcurrent, func(ctx context.Context, req model.QueryRequest) (*model.SearchResponse, error) {
			return env.Aggregator.Search(ctx, caller, req, batchCaller.ip)
		})
		return writeOutput(cmd.OutOrStdout(), batchFormat, results)
	},
}

func init() {
	f := batchCmd.Flags()
	f.StringVar(&batchFile, "file", "", "path to a YAML or JSON list of search requests (required)")
	f.IntVar(&batchLimit, "limit", 100, "max number of searches to run")
	f.StringVar(&batchFormat, "format", "json", "output format: json or yaml")
	batchCaller.register(f)
	_ = batchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(batchCmd)
}

// batchFileDoc is the accepted file layout: either a bare list of
// requests or a document with a top-level "searches" list.
type batchFileDoc struct {
	Searches []model.QueryRequest `yaml:"searches"`
}

// loadBatchFile reads search requests from path. JSON is parsed as YAML.
func loadBatchFile(path string) ([]model.QueryRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read batch file %s", path)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, eris.Wrapf(err, "parse batch file %s", path)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var reqs []model.QueryRequest
		if err := root.Decode(&reqs); err != nil {
			return nil, eris.Wrapf(err, "decode batch file %s", path)
		}
		return reqs, nil
	case yaml.MappingNode:
		var doc batchFileDoc
		if err := root.Decode(&doc); err != nil {
			return nil, eris.Wrapf(err, "decode batch file %s", path)
		}
		return doc.Searches, nil
	default:
		return nil, eris.Errorf("batch file %s: expected a list of searches", path)
	}
}

// batchResult is the outcome of one batch entry.
type batchResult struct {
	Index    int    `json:"index"`
	Query    string `json:"query"`
	SearchID string `json:"search_id,omitempty"`
	Cached   bool   `json:"cached"`
	Results  int    `json:"results"`
	Error    string `json:"error,omitempty"`
}

// searchFunc runs one search request.
type searchFunc func(ctx context.Context, req model.QueryRequest) (*model.SearchResponse, error)

// processBatch applies limit, then runs the requests concurrently. A failed
// entry is reported in its result and does not stop the batch.
func processBatch(ctx context.Context, reqs []model.QueryRequest, limit, concurrency int, search searchFunc) []batchResult {
	if len(reqs) == 0 {
		zap.L().Info("no searches in batch")
		return nil
	}

	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("searches", len(reqs)),
		zap.Int("concurrency", concurrency),
	)

	results := make([]batchResult, len(reqs))
	var succeeded, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			res := batchResult{Index: i, Query: req.Query}
			resp, err := search(gctx, req)
			if err != nil {
				failed.Add(1)
				res.Error = err.Error()
				zap.L().Warn("batch search failed",
					zap.Int("index", i),
					zap.String("query", req.Query),
					zap.Error(err),
				)
			} else {
				succeeded.Add(1)
				res.SearchID = resp.Record.ID
				res.Cached = resp.Cached
				res.Results = resp.Record.TotalResults
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("batch complete",
		zap.Int32("succeeded", succeeded.Load()),
		zap.Int32("failed", failed.Load()),
	)
	return results
}
