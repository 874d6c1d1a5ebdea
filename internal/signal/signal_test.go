package signal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/GapFinder/internal/config"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

func newDefaultFilter() *Filter {
	return New(config.Default().Filter)
}

func TestLabelExcludesShortPraise(t *testing.T) {
	f := newDefaultFilter()

	_, ok := f.Label(model.Comment{ID: "c1", Text: "nice vid!"})
	assert.False(t, ok, "comments below min length are unscorable")

	kept, stats := f.Filter([]model.Comment{{ID: "c1", Text: "nice vid!"}})
	assert.Empty(t, kept)
	assert.Equal(t, 1, stats.TooShort)
}

func TestLabelIncludesQuestion(t *testing.T) {
	f := newDefaultFilter()

	label, ok := f.Label(model.Comment{ID: "c1", Text: "how do I set multiple take profit targets?"})
	require.True(t, ok)
	assert.Equal(t, 4, label.Score)
	assert.Equal(t, model.CategoryInquiry, label.Category)

	kept, _ := f.Filter([]model.Comment{{ID: "c1", Text: "how do I set multiple take profit targets?"}})
	require.Len(t, kept, 1)
	assert.Equal(t, "c1", kept[0].ID)
}

func TestLabelMatchesWholeWords(t *testing.T) {
	f := newDefaultFilter()

	label, ok := f.Label(model.Comment{ID: "c1", Text: "show me more of this please"})
	require.True(t, ok)
	assert.Equal(t, -2, label.Score, "only the short praise penalty applies")
	assert.Equal(t, model.CategoryLowIntent, label.Category)
}

func TestLabelStrongestMarkerSetsCategory(t *testing.T) {
	f := newDefaultFilter()

	label, ok := f.Label(model.Comment{ID: "c1", Text: "I'm stuck, why does the stop loss trigger early?"})
	require.True(t, ok)
	assert.Equal(t, 7, label.Score)
	assert.Equal(t, model.CategoryConfusion, label.Category)
}

func TestLabelCountsPresenceNotFrequency(t *testing.T) {
	f := newDefaultFilter()

	once, _ := f.Label(model.Comment{Text: "how does the trailing stop move"})
	twice, _ := f.Label(model.Comment{Text: "how does it move, how does it reset"})
	assert.Equal(t, once.Score, twice.Score)
}

func TestLabelNegativeMarkers(t *testing.T) {
	f := newDefaultFilter()

	label, ok := f.Label(model.Comment{Text: "Thanks! This finally got my bot working, awesome"})
	require.True(t, ok)
	assert.Equal(t, -4, label.Score)
	assert.Equal(t, model.CategoryLowIntent, label.Category)
}

func TestFilterDropsEmptyComments(t *testing.T) {
	f := newDefaultFilter()

	kept, stats := f.Filter([]model.Comment{
		{ID: "a", Text: ""},
		{ID: "b", Text: "   "},
	})
	assert.Empty(t, kept)
	assert.Equal(t, Stats{Total: 2, TooShort: 2}, stats)
}

func TestFilterOrdersByLikesThenScoreThenID(t *testing.T) {
	f := newDefaultFilter()

	comments := []model.Comment{
		{ID: "c3", Text: "why does the backtest differ from live?", LikeCount: 5},
		{ID: "c1", Text: "I'm stuck, why does the stop loss trigger early?", LikeCount: 5},
		{ID: "c2", Text: "how do I read the order book depth?", LikeCount: 40},
		{ID: "c4", Text: "why does the backtest differ from live?", LikeCount: 5},
		{ID: "c5", Text: "great video, love this channel", LikeCount: 900},
	}

	kept, stats := f.Filter(comments)
	require.Len(t, kept, 4)

	ids := make([]string, len(kept))
	for i, c := range kept {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"c2", "c1", "c3", "c4"}, ids)
	assert.Equal(t, 1, stats.BelowCutoff)
	assert.Equal(t, 4, stats.Kept)
}

func TestFilterCapsAfterSorting(t *testing.T) {
	cfg := config.Default().Filter
	cfg.MaxComments = 3
	f := New(cfg)

	var comments []model.Comment
	for i := 0; i < 10; i++ {
		comments = append(comments, model.Comment{
			ID:        fmt.Sprintf("c%02d", i),
			Text:      "how do I size positions for this strategy?",
			LikeCount: i,
		})
	}

	kept, stats := f.Filter(comments)
	require.Len(t, kept, 3)
	assert.Equal(t, "c09", kept[0].ID)
	assert.Equal(t, "c07", kept[2].ID)
	assert.Equal(t, 7, stats.Capped)
}

func TestFilterUsesConfiguredMarkers(t *testing.T) {
	cfg := config.Default().Filter
	cfg.Markers = []config.Marker{{Phrase: "slippage", Weight: 5, Category: "Confusion"}}
	f := New(cfg)

	kept, _ := f.Filter([]model.Comment{
		{ID: "a", Text: "the slippage on market orders kills me"},
		{ID: "b", Text: "how do I place a limit order?"},
	})
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, model.CategoryConfusion, kept[0].Label.Category)
}
