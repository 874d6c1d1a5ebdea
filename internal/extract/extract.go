// Package extract turns high-signal comments into pain point candidates
// through the LLM collaborator.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/GapFinder/internal/llm"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

const instructions = `You are reading audience comments left on a creator's videos.

Extract ONLY the struggles, confusions and questions that are explicitly present in the comments below.
Do not propose solutions. Do not speculate about problems nobody wrote about. Ignore praise and small talk.

For every pain point give:
- topic: a short noun phrase naming the subject (3 to 8 words)
- struggle_text: one sentence describing what the viewer cannot do or understand
- source_comment_ids: the ids (in square brackets below) of every comment expressing it

Return an empty pain_points list when no comment expresses a struggle.`

const schema = `{"pain_points": [{"topic": string, "struggle_text": string, "source_comment_ids": [string, ...]}]}`

const defaultBatchCharBudget = 6000

type painPoint struct {
	Topic            string   `json:"topic" validate:"required"`
	StruggleText     string   `json:"struggle_text" validate:"required"`
	SourceCommentIDs []string `json:"source_comment_ids" validate:"required,min=1,dive,required"`
}

type response struct {
	PainPoints []painPoint `json:"pain_points" validate:"required,dive"`
}

// Result holds the output of an extraction run.
type Result struct {
	Candidates    []model.PainPointCandidate
	Unscored      []string
	Batches       int
	BatchesFailed int
}

// Options configures an Extractor.
type Options struct {
	BatchCharBudget int
	Concurrency     int
}

// Extractor batches comments and asks the LLM for pain points.
type Extractor struct {
	client      *llm.Client
	budget      int
	concurrency int
	log         logger.Logger
}

// New creates an extractor.
func New(client *llm.Client, opts Options, log logger.Logger) *Extractor {
	if opts.BatchCharBudget <= 0 {
		opts.BatchCharBudget = defaultBatchCharBudget
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Extractor{
		client:      client,
		budget:      opts.BatchCharBudget,
		concurrency: opts.Concurrency,
		log:         log,
	}
}

type batch struct {
	comments []model.ScoredComment
	text     string
}

type batchResult struct {
	points []painPoint
	err    error
}

// Extract runs every batch and aggregates candidates in batch order.
// A batch that keeps failing is skipped and its comments reported as
// unscored; Extract itself only fails when ctx is done.
func (e *Extractor) Extract(ctx context.Context, comments []model.ScoredComment) (*Result, error) {
	batches := splitBatches(comments, e.budget)
	r := &Result{Batches: len(batches)}
	if len(batches) == 0 {
		return r, nil
	}

	results := make([]batchResult, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range batches {
		i := i
		g.Go(func() error {
			points, err := e.extractBatch(gctx, batches[i])
			results[i] = batchResult{points: points, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	likes := make(map[string]int, len(comments))
	for _, c := range comments {
		likes[c.ID] = c.LikeCount
	}

	for i, br := range results {
		if br.err != nil {
			r.BatchesFailed++
			for _, c := range batches[i].comments {
				r.Unscored = append(r.Unscored, c.ID)
			}
			e.log.Warn("extraction batch skipped",
				logger.Int("batch", i),
				logger.Int("comments", len(batches[i].comments)),
				logger.Error(br.err))
			continue
		}
		for _, p := range br.points {
			ids := dedupe(p.SourceCommentIDs)
			weight := 0
			for _, id := range ids {
				weight += likes[id]
			}
			r.Candidates = append(r.Candidates, model.PainPointCandidate{
				ID:               len(r.Candidates) + 1,
				Topic:            strings.TrimSpace(p.Topic),
				Struggle:         strings.TrimSpace(p.StruggleText),
				SourceCommentIDs: ids,
				EngagementWeight: weight,
			})
		}
	}

	e.log.Info("extraction complete",
		logger.Int("batches", r.Batches),
		logger.Int("failed", r.BatchesFailed),
		logger.Int("candidates", len(r.Candidates)),
		logger.Int("unscored", len(r.Unscored)))
	return r, nil
}

func (e *Extractor) extractBatch(ctx context.Context, b batch) ([]painPoint, error) {
	allowed := make(map[string]bool, len(b.comments))
	for _, c := range b.comments {
		allowed[c.ID] = true
	}

	out, err := llm.Call(ctx, e.client, llm.Request{
		Instructions: instructions,
		BatchedText:  b.text,
		Schema:       schema,
	}, func(r *response) error {
		for _, p := range r.PainPoints {
			for _, id := range p.SourceCommentIDs {
				if !allowed[id] {
					return fmt.Errorf("unknown source comment id %q", id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.PainPoints, nil
}

// splitBatches groups comments greedily, in input order, so that each batch's
// rendered text stays within budget characters. A comment too long for a
// batch of its own is truncated.
func splitBatches(comments []model.ScoredComment, budget int) []batch {
	if budget <= 0 {
		budget = defaultBatchCharBudget
	}

	var batches []batch
	var cur batch
	var sb strings.Builder
	used := 0

	flush := func() {
		if len(cur.comments) == 0 {
			return
		}
		cur.text = sb.String()
		batches = append(batches, cur)
		cur = batch{}
		sb.Reset()
		used = 0
	}

	for _, c := range comments {
		line := renderLine(c.ID, c.Text)
		n := utf8.RuneCountInString(line)
		if n > budget {
			line = truncateRunes(line, budget-1) + "\n"
			n = budget
		}
		if used+n > budget {
			flush()
		}
		cur.comments = append(cur.comments, c)
		sb.WriteString(line)
		used += n
	}
	flush()
	return batches
}

func renderLine(id, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return "[" + id + "] " + text + "\n"
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
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

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
