package verify

import (
	"strings"

	"github.com/TobiSchelling/GapFinder/internal/cluster"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

// Match is the transcript window that best covers a topic.
type Match struct {
	VideoID  string
	Excerpt  string
	Coverage float64
}

type document struct {
	videoID string
	words   []string
	tokens  []string // normalized per word, "" for stopwords
}

// Corpus holds the transcripts of one job's sampled videos.
type Corpus struct {
	docs []document
}

// NewCorpus indexes every video that has a transcript, in the given order.
func NewCorpus(videos []model.Video) *Corpus {
	c := &Corpus{}
	for _, v := range videos {
		if !v.HasTranscript() {
			continue
		}
		words := strings.Fields(v.Transcript)
		tokens := make([]string, len(words))
		for i, w := range words {
			tokens[i] = cluster.NormalizeWord(w)
		}
		c.docs = append(c.docs, document{videoID: v.ID, words: words, tokens: tokens})
	}
	return c
}

// Size returns the number of indexed transcripts.
func (c *Corpus) Size() int {
	if c == nil {
		return 0
	}
	return len(c.docs)
}

// Search slides a window of windowWords words over every transcript and
// returns the window covering the most distinct topic tokens. ok is false
// when the best coverage is below minCoverage; the best window found is
// still returned. Earlier videos and earlier windows win ties.
func (c *Corpus) Search(topic string, windowWords int, minCoverage float64) (Match, bool) {
	if c == nil || len(c.docs) == 0 {
		return Match{}, false
	}
	query := distinct(cluster.Tokenize(topic))
	if len(query) == 0 {
		return Match{}, false
	}
	if windowWords <= 0 {
		windowWords = 120
	}

	want := make(map[string]bool, len(query))
	for _, q := range query {
		want[q] = true
	}

	var best Match
	bestCovered := 0
	for _, doc := range c.docs {
		start, covered := bestWindow(doc.tokens, want, windowWords)
		if covered <= bestCovered {
			continue
		}
		end := min(start+windowWords, len(doc.words))
		bestCovered = covered
		best = Match{
			VideoID:  doc.videoID,
			Excerpt:  strings.Join(doc.words[start:end], " "),
			Coverage: float64(covered) / float64(len(query)),
		}
	}

	if bestCovered == 0 || best.Coverage < minCoverage {
		return best, false
	}
	return best, true
}

// bestWindow returns the start of the first window with the most distinct
// wanted tokens, and that count.
func bestWindow(tokens []string, want map[string]bool, size int) (int, int) {
	counts := make(map[string]int, len(want))
	covered := 0
	add := func(t string) {
		if !want[t] {
			return
		}
		counts[t]++
		if counts[t] == 1 {
			covered++
		}
	}
	remove := func(t string) {
		if !want[t] {
			return
		}
		counts[t]--
		if counts[t] == 0 {
			covered--
		}
	}

	end := min(size, len(tokens))
	for i := 0; i < end; i++ {
		add(tokens[i])
	}
	bestStart, bestCovered := 0, covered
	for start := 1; start+size <= len(tokens); start++ {
		remove(tokens[start-1])
		add(tokens[start+size-1])
		if covered > bestCovered {
			bestStart, bestCovered = start, covered
		}
	}
	return bestStart, bestCovered
}

func distinct(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
