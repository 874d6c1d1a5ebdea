package score

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/GapFinder/internal/llm"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

const titleInstructions = `You write YouTube video titles for a creator. Viewers keep struggling with the topic below and the creator has not covered it well.

Write %d distinct titles for a video that resolves the struggle.
- Each title must use a different structure. Do not reuse a template such as "How to X" or "X explained" across titles.
- Speak to the struggle in the viewer's own terms.
- At most 90 characters each. No clickbait, no emoji, no quotation marks around the title.`

const titleSchema = `{"titles": [string, ...]}`

const maxTitleLength = 100

type titlesResponse struct {
	Titles []string `json:"titles" validate:"required,min=1,max=5,dive,required"`
}

// Titler generates suggested titles for opportunities.
type Titler struct {
	client      *llm.Client
	count       int
	concurrency int
	log         logger.Logger
}

// NewTitler creates a titler producing count titles per opportunity.
func NewTitler(client *llm.Client, count, concurrency int, log logger.Logger) *Titler {
	if count <= 0 || count > 5 {
		count = 3
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Titler{client: client, count: count, concurrency: concurrency, log: log}
}

// Generate fills SuggestedTitles on every opportunity. An opportunity whose
// titles cannot be produced keeps an empty list with TitlesPending set.
// It returns the number of pending opportunities.
func (t *Titler) Generate(ctx context.Context, opps []model.Opportunity) int {
	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for i := range opps {
		i := i
		g.Go(func() error {
			titles, err := t.titlesFor(ctx, opps[i])
			if err != nil {
				t.log.Warn("title generation failed",
					logger.Int("cluster_id", opps[i].ClusterID),
					logger.Error(err))
				opps[i].SuggestedTitles = []string{}
				opps[i].TitlesPending = true
				return nil
			}
			opps[i].SuggestedTitles = titles
			opps[i].TitlesPending = false
			return nil
		})
	}
	_ = g.Wait()

	pending := 0
	for _, o := range opps {
		if o.TitlesPending {
			pending++
		}
	}
	return pending
}

func (t *Titler) titlesFor(ctx context.Context, o model.Opportunity) ([]string, error) {
	input := fmt.Sprintf("Topic: %s\nStruggle: %s\n", o.Topic, o.Struggle)
	out, err := llm.Call(ctx, t.client, llm.Request{
		Instructions: fmt.Sprintf(titleInstructions, t.count),
		BatchedText:  input,
		Schema:       titleSchema,
	}, func(r *titlesResponse) error {
		return checkTitles(r.Titles, t.count)
	})
	if err != nil {
		return nil, err
	}

	titles := make([]string, len(out.Titles))
	for i, title := range out.Titles {
		titles[i] = strings.TrimSpace(title)
	}
	return titles, nil
}

func checkTitles(titles []string, count int) error {
	if len(titles) > count {
		return fmt.Errorf("expected at most %d titles, got %d", count, len(titles))
	}
	seen := make(map[string]bool, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			return errors.New("empty title")
		}
		if len([]rune(title)) > maxTitleLength {
			return fmt.Errorf("title too long: %q", title)
		}
		key := strings.ToLower(title)
		if seen[key] {
			return fmt.Errorf("duplicate title %q", title)
		}
		seen[key] = true
	}
	return nil
}
