package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

var md = goldmark.New()

// Markdown renders the report for humans.
func Markdown(r *Report) string {
	var b strings.Builder

	channel := r.Metadata.ChannelID
	if channel == "" {
		channel = "channel"
	}
	fmt.Fprintf(&b, "# Content gaps for %s\n\n", channel)

	p := r.Pipeline
	fmt.Fprintf(&b, "%d comments → %d high-signal → %d pain points → %d true gaps, %d under-explained, %d already covered\n\n",
		p.RawComments, p.HighSignal, p.PainPoints, p.TrueGaps, p.UnderExplained, p.AlreadyCovered)

	if len(r.ContentGaps) == 0 {
		b.WriteString("No content gaps found.\n\n")
	}
	for _, o := range r.ContentGaps {
		fmt.Fprintf(&b, "## %d. %s\n\n", o.Rank, o.Topic)
		fmt.Fprintf(&b, "**%s** · influence %.2f · engagement %d", o.GapStatus, o.InfluenceScore, o.TotalEngagement)
		if o.Trend != nil {
			fmt.Fprintf(&b, " · trend %s (%d)", o.Trend.Trajectory, o.Trend.InterestScore)
		}
		b.WriteString("\n\n")
		if o.Struggle != "" {
			fmt.Fprintf(&b, "> %s\n\n", o.Struggle)
		}
		if o.TitlesPending {
			b.WriteString("_Titles pending._\n\n")
		}
		for _, t := range o.SuggestedTitles {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		if len(o.SuggestedTitles) > 0 {
			b.WriteString("\n")
		}
	}

	if len(r.AlreadyCovered) > 0 {
		b.WriteString("## Already covered\n\n")
		for _, c := range r.AlreadyCovered {
			fmt.Fprintf(&b, "- **%s** (video %s)\n", c.Topic, c.MatchedVideoID)
		}
		b.WriteString("\n")
	}

	if len(r.VideosAnalyzed) > 0 {
		b.WriteString("## Videos analyzed\n\n")
		for _, v := range r.VideosAnalyzed {
			transcript := ""
			if !v.HasTranscript {
				transcript = ", no transcript"
			}
			fmt.Fprintf(&b, "- %s (%s%s)\n", v.Title, v.PublishDate, transcript)
		}
		b.WriteString("\n")
	}

	notes := append(append([]string{}, r.Metadata.Warnings...), r.Metadata.Degradations...)
	if len(notes) > 0 {
		b.WriteString("## Notes\n\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}

// HTML renders the Markdown report to an HTML fragment.
func HTML(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(Markdown(r)), &buf); err != nil {
		return nil, fmt.Errorf("rendering report: %w", err)
	}
	return buf.Bytes(), nil
}
