// Package signal scores comments and keeps the ones likely to carry a
// question or struggle worth sending to the LLM.
package signal

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/TobiSchelling/GapFinder/internal/config"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

// Stats counts what the filter did with a batch of comments.
type Stats struct {
	Total       int
	TooShort    int
	BelowCutoff int
	Capped      int
	Kept        int
}

type marker struct {
	phrase   string
	weight   int
	category model.Category
}

// Filter is a precision-oriented pre-filter. It is safe for concurrent use.
type Filter struct {
	markers            []marker
	mu                 sync.Mutex // Matcher.Match mutates internal state
	matcher            *ahocorasick.Matcher
	minLength          int
	cutoff             int
	maxComments        int
	shortPraiseLength  int
	shortPraisePenalty int
}

// New builds a filter from configuration. An empty marker list falls back
// to the built-in defaults.
func New(cfg config.Filter) *Filter {
	defaults := config.Default().Filter
	if len(cfg.Markers) == 0 {
		cfg.Markers = defaults.Markers
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = defaults.MinLength
	}

	f := &Filter{
		minLength:          cfg.MinLength,
		cutoff:             cfg.Cutoff,
		maxComments:        cfg.MaxComments,
		shortPraiseLength:  cfg.ShortPraiseLength,
		shortPraisePenalty: cfg.ShortPraisePenalty,
	}

	dictionary := make([]string, 0, len(cfg.Markers))
	for _, m := range cfg.Markers {
		phrase := normalize(m.Phrase)
		if strings.TrimSpace(phrase) == "" {
			continue
		}
		f.markers = append(f.markers, marker{
			phrase:   phrase,
			weight:   m.Weight,
			category: parseCategory(m.Category),
		})
		dictionary = append(dictionary, phrase)
	}
	if len(dictionary) > 0 {
		f.matcher = ahocorasick.NewStringMatcher(dictionary)
	}
	return f
}

func parseCategory(s string) model.Category {
	switch model.Category(s) {
	case model.CategoryConfusion, model.CategoryInquiry, model.CategorySuccess, model.CategoryLowIntent:
		return model.Category(s)
	}
	return model.CategoryOther
}

// normalize lowercases text, turns everything except letters, digits,
// apostrophes and question marks into spaces, isolates question marks as
// tokens and pads the result with spaces so phrases match on word bounds.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '?':
			if !lastSpace {
				b.WriteByte(' ')
			}
			b.WriteString("? ")
			lastSpace = true
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	if !lastSpace {
		b.WriteByte(' ')
	}
	return b.String()
}

// Label scores a single comment. ok is false when the comment is unscorable
// (empty or below the minimum length).
func (f *Filter) Label(c model.Comment) (label model.SignalLabel, ok bool) {
	text := strings.TrimSpace(c.Text)
	length := utf8.RuneCountInString(text)
	if length == 0 || length < f.minLength {
		return model.SignalLabel{}, false
	}

	label.Category = model.CategoryOther
	if f.matcher == nil {
		return label, true
	}

	f.mu.Lock()
	hits := f.matcher.Match([]byte(normalize(text)))
	f.mu.Unlock()
	sort.Ints(hits)

	strongest := 0
	positive := false
	for _, idx := range hits {
		if idx < 0 || idx >= len(f.markers) {
			continue
		}
		m := f.markers[idx]
		label.Score += m.weight
		if m.weight > 0 {
			positive = true
		}
		if abs := int(math.Abs(float64(m.weight))); abs > strongest {
			strongest = abs
			label.Category = m.category
		}
	}

	if !positive && f.shortPraiseLength > 0 && length < f.shortPraiseLength {
		label.Score += f.shortPraisePenalty
		if label.Category == model.CategoryOther {
			label.Category = model.CategoryLowIntent
		}
	}
	return label, true
}

// Filter returns the high-signal comments ordered by like count descending
// and capped at the configured maximum. It never fails; unscorable comments
// are dropped.
func (f *Filter) Filter(comments []model.Comment) ([]model.ScoredComment, Stats) {
	stats := Stats{Total: len(comments)}

	kept := make([]model.ScoredComment, 0, len(comments)/4)
	for _, c := range comments {
		label, ok := f.Label(c)
		if !ok {
			stats.TooShort++
			continue
		}
		if label.Score <= f.cutoff {
			stats.BelowCutoff++
			continue
		}
		kept = append(kept, model.ScoredComment{Comment: c, Label: label})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.LikeCount != b.LikeCount {
			return a.LikeCount > b.LikeCount
		}
		if a.Label.Score != b.Label.Score {
			return a.Label.Score > b.Label.Score
		}
		return a.ID < b.ID
	})

	if f.maxComments > 0 && len(kept) > f.maxComments {
		stats.Capped = len(kept) - f.maxComments
		kept = kept[:f.maxComments]
	}
	stats.Kept = len(kept)
	return kept, stats
}
