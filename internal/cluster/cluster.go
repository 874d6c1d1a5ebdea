// Package cluster groups near-duplicate pain point candidates.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/TobiSchelling/GapFinder/internal/llm"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

const (
	MethodLexical   = "lexical"
	MethodEmbedding = "embedding"

	DefaultSimilarityThreshold = 0.6
	DefaultDistanceThreshold   = 0.9
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "shall": true,
	"to": true, "of": true, "in": true, "for": true, "on": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true, "and": true, "but": true,
	"or": true, "nor": true, "not": true, "so": true, "yet": true, "both": true,
	"each": true, "every": true, "all": true, "any": true, "more": true, "most": true,
	"other": true, "some": true, "such": true, "no": true, "only": true, "own": true,
	"same": true, "than": true, "too": true, "very": true, "just": true, "how": true,
	"what": true, "which": true, "who": true, "whom": true, "why": true, "when": true,
	"this": true, "that": true, "these": true, "those": true, "it": true, "its": true,
	"about": true, "up": true, "out": true, "also": true, "get": true, "use": true,
	"i": true, "me": true, "my": true, "you": true, "your": true, "we": true, "our": true,
}

// NormalizeWord lowercases a word, strips everything but letters and
// digits and trims a plural "s". Stopwords normalize to "".
func NormalizeWord(word string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	w := b.String()
	if w == "" || stopWords[w] {
		return ""
	}
	if utf8.RuneCountInString(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		w = strings.TrimSuffix(w, "s")
	}
	return w
}

// Tokenize splits text on anything that is not a letter or digit and
// returns the normalized, non-stopword tokens in order.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if w := NormalizeWord(f); w != "" {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// Similarity scores two topics in [0,1] as the larger of token Jaccard and
// character-bigram Dice over the normalized text.
func Similarity(a, b string) float64 {
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
			return 1
		}
		return 0
	}
	return max(jaccard(ta, tb), dice(bigrams(strings.Join(ta, " ")), bigrams(strings.Join(tb, " "))))
}

func jaccard(a, b []string) float64 {
	sa := make(map[string]bool, len(a))
	for _, t := range a {
		sa[t] = true
	}
	sb := make(map[string]bool, len(b))
	for _, t := range b {
		sb[t] = true
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]bool {
	runes := []rune(s)
	out := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = true
	}
	return out
}

func dice(a, b map[string]bool) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	inter := 0
	for g := range a {
		if b[g] {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(a)+len(b))
}

// Options configures a Clusterer.
type Options struct {
	Method              string
	SimilarityThreshold float64
	DistanceThreshold   float64
}

// Clusterer groups candidates describing the same struggle.
type Clusterer struct {
	embedder llm.Embedder
	opts     Options
	log      logger.Logger
}

// New creates a clusterer. embedder may be nil; embedding mode then falls
// back to lexical clustering.
func New(embedder llm.Embedder, opts Options, log logger.Logger) *Clusterer {
	if opts.Method == "" {
		opts.Method = MethodLexical
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.DistanceThreshold <= 0 {
		opts.DistanceThreshold = DefaultDistanceThreshold
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Clusterer{embedder: embedder, opts: opts, log: log}
}

// Cluster partitions candidates. Cluster IDs run 1..n ordered by each
// cluster's smallest member ID.
func (c *Clusterer) Cluster(ctx context.Context, candidates []model.PainPointCandidate) ([]model.PainPointCluster, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	sorted := make([]model.PainPointCandidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var labels []int
	if c.opts.Method == MethodEmbedding {
		var err error
		labels, err = c.embeddingLabels(ctx, sorted)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("embedding clustering failed, using lexical", logger.Error(err))
			labels = nil
		}
	}
	if labels == nil {
		labels = lexicalLabels(sorted, c.opts.SimilarityThreshold)
	}

	clusters := build(sorted, labels)
	c.log.Info("clustering complete",
		logger.String("method", c.opts.Method),
		logger.Int("candidates", len(candidates)),
		logger.Int("clusters", len(clusters)))
	return clusters, nil
}

func (c *Clusterer) embeddingLabels(ctx context.Context, candidates []model.PainPointCandidate) ([]int, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	if len(candidates) == 1 {
		return []int{0}, nil
	}

	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Topic + ": " + cand.Struggle
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(candidates) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(candidates))
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim || dim == 0 {
			return nil, fmt.Errorf("embedder returned inconsistent dimensions")
		}
	}
	return wardLabels(vectors, c.opts.DistanceThreshold), nil
}

// lexicalLabels unions every pair whose topic similarity reaches threshold.
func lexicalLabels(candidates []model.PainPointCandidate, threshold float64) []int {
	n := len(candidates)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if Similarity(candidates[i].Topic, candidates[j].Topic) < threshold {
				continue
			}
			ri, rj := find(parent, i), find(parent, j)
			if ri == rj {
				continue
			}
			if ri < rj {
				parent[rj] = ri
			} else {
				parent[ri] = rj
			}
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = find(parent, i)
	}
	return labels
}

// build turns per-candidate labels into clusters. candidates must be sorted
// by ID.
func build(candidates []model.PainPointCandidate, labels []int) []model.PainPointCluster {
	groups := make(map[int][]model.PainPointCandidate)
	var order []int
	for i, cand := range candidates {
		l := labels[i]
		if _, ok := groups[l]; !ok {
			order = append(order, l)
		}
		groups[l] = append(groups[l], cand)
	}

	clusters := make([]model.PainPointCluster, 0, len(order))
	for _, l := range order {
		members := groups[l]
		rep := representative(members)
		cl := model.PainPointCluster{
			ID:                     len(clusters) + 1,
			CanonicalTopic:         rep.Topic,
			RepresentativeStruggle: rep.Struggle,
		}
		for _, m := range members {
			cl.MemberIDs = append(cl.MemberIDs, m.ID)
			cl.TotalEngagement += m.EngagementWeight
		}
		clusters = append(clusters, cl)
	}
	return clusters
}

// representative picks the member with the highest engagement, then the
// longer struggle, then the lower ID.
func representative(members []model.PainPointCandidate) model.PainPointCandidate {
	best := members[0]
	for _, m := range members[1:] {
		switch {
		case m.EngagementWeight > best.EngagementWeight:
			best = m
		case m.EngagementWeight < best.EngagementWeight:
		case len(m.Struggle) > len(best.Struggle):
			best = m
		case len(m.Struggle) == len(best.Struggle) && m.ID < best.ID:
			best = m
		}
	}
	return best
}

// Violation is one way a set of clusters fails to partition the candidates.
// ClusterID is 0 for a candidate that no cluster holds.
type Violation struct {
	ClusterID   int
	CandidateID int
	Reason      string
}

func (v Violation) String() string {
	if v.ClusterID == 0 {
		return fmt.Sprintf("candidate %d: %s", v.CandidateID, v.Reason)
	}
	return fmt.Sprintf("cluster %d: %s (candidate %d)", v.ClusterID, v.Reason, v.CandidateID)
}

// CheckPartition reports every candidate that is missing, duplicated or
// unknown, and every empty cluster.
func CheckPartition(candidates []model.PainPointCandidate, clusters []model.PainPointCluster) []Violation {
	known := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}

	var out []Violation
	owner := make(map[int]int, len(candidates))
	for _, cl := range clusters {
		if len(cl.MemberIDs) == 0 {
			out = append(out, Violation{ClusterID: cl.ID, Reason: "empty cluster"})
			continue
		}
		for _, id := range cl.MemberIDs {
			switch {
			case !known[id]:
				out = append(out, Violation{ClusterID: cl.ID, CandidateID: id, Reason: "unknown candidate"})
			case owner[id] != 0:
				out = append(out, Violation{ClusterID: cl.ID, CandidateID: id, Reason: "candidate in multiple clusters"})
			default:
				owner[id] = cl.ID
			}
		}
	}

	for _, c := range candidates {
		if owner[c.ID] == 0 {
			out = append(out, Violation{CandidateID: c.ID, Reason: "candidate not clustered"})
		}
	}
	return out
}
