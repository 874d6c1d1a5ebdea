// Package verify decides whether a pain point is already covered by the
// creator's recent videos.
package verify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/GapFinder/internal/llm"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

const instructions = `A viewer of a creator's channel struggles with the topic below. You are given an excerpt from one of the creator's own video transcripts.

Judge how well the excerpt addresses the struggle:
- "thorough": the excerpt explains it step by step so the viewer could resolve the struggle
- "brief": the excerpt mentions it but does not resolve the struggle
- "unclear": the excerpt is off topic or you cannot tell

Give confidence between 0 and 1 and a one sentence rationale. Judge only from the excerpt.`

const schema = `{"coverage": "brief" | "thorough" | "unclear", "confidence": number, "rationale": string}`

// Coverage values returned by the judge.
const (
	CoverageBrief    = "brief"
	CoverageThorough = "thorough"
	CoverageUnclear  = "unclear"
)

// Options configures a Verifier.
type Options struct {
	WindowWords            int
	MinCoverage            float64
	ExcerptChars           int
	SaturatedMinConfidence float64
	Concurrency            int
	// OnCacheHit is called whenever a judgment is served from the cache.
	OnCacheHit func()
}

// Verifier assigns a gap status to each cluster.
type Verifier struct {
	client *llm.Client
	cache  Cache
	opts   Options
	log    logger.Logger
}

// New creates a verifier. A nil cache disables caching.
func New(client *llm.Client, cache Cache, opts Options, log logger.Logger) *Verifier {
	if opts.WindowWords <= 0 {
		opts.WindowWords = 120
	}
	if opts.MinCoverage <= 0 {
		opts.MinCoverage = 0.5
	}
	if opts.ExcerptChars <= 0 {
		opts.ExcerptChars = 1200
	}
	if opts.SaturatedMinConfidence <= 0 {
		opts.SaturatedMinConfidence = 0.6
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Verifier{client: client, cache: cache, opts: opts, log: log}
}

// Verify returns a terminal verdict for cl. It never fails: collaborator
// errors degrade to UNDER_EXPLAINED.
func (v *Verifier) Verify(ctx context.Context, cl model.PainPointCluster, corpus *Corpus) model.GapVerificationResult {
	match, ok := corpus.Search(cl.CanonicalTopic, v.opts.WindowWords, v.opts.MinCoverage)
	if !ok {
		return model.GapVerificationResult{
			ClusterID:  cl.ID,
			Status:     model.StatusTrueGap,
			Confidence: 1 - match.Coverage,
		}
	}

	excerpt := truncateRunes(match.Excerpt, v.opts.ExcerptChars)
	result := model.GapVerificationResult{
		ClusterID:      cl.ID,
		Status:         model.StatusUnderExplained,
		Evidence:       &excerpt,
		MatchedVideoID: match.VideoID,
	}

	j, err := v.judge(ctx, cl, excerpt)
	if err != nil {
		v.log.Warn("coverage judgment failed, marking under-explained",
			logger.Int("cluster_id", cl.ID),
			logger.Error(err))
		return result
	}

	result.Status = Decide(j, v.opts.SaturatedMinConfidence)
	result.Confidence = j.Confidence
	return result
}

// Decide maps a judgment onto a gap status. Only a confident "thorough"
// judgment saturates a topic.
func Decide(j Judgment, minConfidence float64) model.GapStatus {
	if j.Coverage == CoverageThorough && j.Confidence >= minConfidence {
		return model.StatusSaturated
	}
	return model.StatusUnderExplained
}

func (v *Verifier) judge(ctx context.Context, cl model.PainPointCluster, excerpt string) (Judgment, error) {
	key := CacheKey(cl.CanonicalTopic, cl.RepresentativeStruggle, excerpt)
	if v.cache != nil {
		j, ok, err := v.cache.Get(ctx, key)
		if err != nil {
			v.log.Warn("verdict cache read failed", logger.Error(err))
		} else if ok {
			if v.opts.OnCacheHit != nil {
				v.opts.OnCacheHit()
			}
			return j, nil
		}
	}

	input := fmt.Sprintf("Topic: %s\nStruggle: %s\n\nTranscript excerpt:\n%s\n", cl.CanonicalTopic, cl.RepresentativeStruggle, excerpt)
	j, err := llm.Call[Judgment](ctx, v.client, llm.Request{
		Instructions: instructions,
		BatchedText:  input,
		Schema:       schema,
	}, nil)
	if err != nil {
		return Judgment{}, err
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, key, j); err != nil {
			v.log.Warn("verdict cache write failed", logger.Error(err))
		}
	}
	return j, nil
}

// VerifyAll verifies clusters concurrently and returns results in cluster
// order. It only fails when ctx is done.
func (v *Verifier) VerifyAll(ctx context.Context, clusters []model.PainPointCluster, corpus *Corpus) ([]model.GapVerificationResult, error) {
	results := make([]model.GapVerificationResult, len(clusters))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Concurrency)
	for i := range clusters {
		i := i
		g.Go(func() error {
			results[i] = v.Verify(gctx, clusters[i], corpus)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
