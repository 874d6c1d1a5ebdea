package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/GapFinder/internal/cluster"
	"github.com/TobiSchelling/GapFinder/internal/config"
	"github.com/TobiSchelling/GapFinder/internal/extract"
	"github.com/TobiSchelling/GapFinder/internal/llm"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/metrics"
	"github.com/TobiSchelling/GapFinder/internal/retry"
	"github.com/TobiSchelling/GapFinder/internal/score"
	"github.com/TobiSchelling/GapFinder/internal/signal"
	"github.com/TobiSchelling/GapFinder/internal/trend"
	"github.com/TobiSchelling/GapFinder/internal/verify"
)

// RetryConfig converts the llm.retry section into a retry.Config.
func RetryConfig(cfg config.Retry) retry.Config {
	return retry.Config{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
	}
}

// FromConfig wires every phase collaborator from configuration. The
// returned close function releases the verdict cache connection. m may be
// nil.
func FromConfig(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log logger.Logger) (*Deps, func() error, error) {
	if log == nil {
		log = logger.NewNop()
	}
	closer := func() error { return nil }

	client := llm.NewClient(llm.CreateProvider(cfg.LLM, log), llm.Options{
		MaxTokens:         cfg.LLM.MaxTokens,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
		Retry:             RetryConfig(cfg.LLM.Retry),
		OnCall:            m.RecordLLMCall,
	}, log)

	var embedder llm.Embedder
	if strings.EqualFold(cfg.Cluster.Method, cluster.MethodEmbedding) {
		embedder = llm.CreateEmbedder(cfg.LLM)
	}

	var cache verify.Cache = verify.NewMemoryCache()
	if strings.EqualFold(cfg.Verify.Cache, "redis") {
		rdb, err := verify.DialRedis(ctx, cfg.Verify.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting verdict cache: %w", err)
		}
		cache = verify.NewRedisCache(rdb, cfg.Verify.CacheTTL)
		closer = rdb.Close
		log.Info("verdict cache: redis", logger.String("addr", cfg.Verify.RedisAddr))
	}

	var trendProvider trend.Provider = trend.NopProvider{}
	if cfg.Trend.Enabled && cfg.Trend.URL != "" {
		trendProvider = trend.NewHTTPProvider(cfg.Trend.URL, cfg.Trend.Timeout)
	}

	deps := &Deps{
		Filter: signal.New(cfg.Filter),
		Extractor: extract.New(client, extract.Options{
			BatchCharBudget: cfg.Extract.BatchCharBudget,
			Concurrency:     cfg.LLM.Concurrency,
		}, log.With(logger.String("component", "extract"))),
		Clusterer: cluster.New(embedder, cluster.Options{
			Method:              cfg.Cluster.Method,
			SimilarityThreshold: cfg.Cluster.SimilarityThreshold,
			DistanceThreshold:   cfg.Cluster.DistanceThreshold,
		}, log.With(logger.String("component", "cluster"))),
		Verifier: verify.New(client, cache, verify.Options{
			WindowWords:            cfg.Verify.WindowWords,
			MinCoverage:            cfg.Verify.MinCoverage,
			ExcerptChars:           cfg.Verify.ExcerptChars,
			SaturatedMinConfidence: cfg.Verify.SaturatedMinConfidence,
			Concurrency:            cfg.Verify.Concurrency,
			OnCacheHit:             m.RecordCacheHit,
		}, log.With(logger.String("component", "verify"))),
		Scorer: score.NewScorer(score.WeightsFromConfig(cfg.Scoring)),
		Titler: score.NewTitler(client, cfg.Scoring.TitlesPerOpportunity, cfg.LLM.Concurrency,
			log.With(logger.String("component", "titles"))),
		Log: log,
	}
	if cfg.Trend.Enabled {
		deps.Enricher = trend.NewEnricher(trendProvider, RetryConfig(cfg.LLM.Retry), cfg.Trend.Concurrency,
			log.With(logger.String("component", "trend")))
	}
	return deps, closer, nil
}
