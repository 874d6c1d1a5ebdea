// Package report assembles the final job report read by the UI.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/GapFinder/internal/model"
)

// Counts summarizes how many units survived each phase.
type Counts struct {
	RawComments    int `json:"raw_comments"`
	HighSignal     int `json:"high_signal"`
	PainPoints     int `json:"pain_points"`
	TrueGaps       int `json:"true_gaps"`
	UnderExplained int `json:"under_explained"`
	AlreadyCovered int `json:"already_covered"`
}

// Opportunity is a ranked content gap as rendered in the report.
type Opportunity struct {
	Rank            int                `json:"rank"`
	ClusterID       int                `json:"cluster_id"`
	GapStatus       model.GapStatus    `json:"gap_status"`
	InfluenceScore  float64            `json:"influence_score"`
	SuggestedTitles []string           `json:"suggested_titles"`
	TitlesPending   bool               `json:"titles_pending"`
	Topic           string             `json:"topic"`
	Struggle        string             `json:"struggle"`
	TotalEngagement int                `json:"total_engagement"`
	Trend           *model.TrendSignal `json:"trend"`
	Evidence        *string            `json:"evidence"`
}

// CoveredTopic is a pain point the creator has already covered thoroughly.
type CoveredTopic struct {
	ClusterID       int     `json:"cluster_id"`
	Topic           string  `json:"topic"`
	Struggle        string  `json:"struggle"`
	TotalEngagement int     `json:"total_engagement"`
	Evidence        string  `json:"evidence"`
	MatchedVideoID  string  `json:"matched_video_id"`
	Confidence      float64 `json:"confidence"`
}

// Video summarizes one analyzed upload.
type Video struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	PublishDate   string `json:"publish_date"`
	CommentCount  int    `json:"comment_count"`
	HasTranscript bool   `json:"has_transcript"`
}

// Metadata carries warnings and degradations that did not fail the job.
type Metadata struct {
	ChannelID        string    `json:"channel_id"`
	GeneratedAt      time.Time `json:"generated_at"`
	Candidates       int       `json:"candidates"`
	UnscoredComments []string  `json:"unscored_comments"`
	TitlesPending    int       `json:"titles_pending"`
	Warnings         []string  `json:"warnings"`
	Degradations     []string  `json:"degradations"`
}

// Report is the persisted result of a completed job. Field names are a
// compatibility contract with the reporting UI.
type Report struct {
	Pipeline       Counts         `json:"pipeline"`
	TopOpportunity *Opportunity   `json:"top_opportunity"`
	ContentGaps    []Opportunity  `json:"content_gaps"`
	AlreadyCovered []CoveredTopic `json:"already_covered"`
	VideosAnalyzed []Video        `json:"videos_analyzed"`
	Metadata       Metadata       `json:"metadata"`
}

// Input is everything the pipeline hands over to build a report.
type Input struct {
	ChannelID     string
	Videos        []model.Video
	RawComments   int
	HighSignal    int
	Candidates    int
	Clusters      []model.PainPointCluster
	Verdicts      []model.GapVerificationResult
	Opportunities []model.Opportunity
	Unscored      []string
	Warnings      []string
	Degradations  []string
	GeneratedAt   time.Time
}

// Build assembles a report. Slices are never nil so the JSON always holds
// arrays.
func Build(in Input) *Report {
	r := &Report{
		Pipeline: Counts{
			RawComments: in.RawComments,
			HighSignal:  in.HighSignal,
			PainPoints:  len(in.Clusters),
		},
		ContentGaps:    make([]Opportunity, 0, len(in.Opportunities)),
		AlreadyCovered: []CoveredTopic{},
		VideosAnalyzed: make([]Video, 0, len(in.Videos)),
		Metadata: Metadata{
			ChannelID:        in.ChannelID,
			GeneratedAt:      in.GeneratedAt.UTC(),
			Candidates:       in.Candidates,
			UnscoredComments: nonNil(in.Unscored),
			Warnings:         nonNil(in.Warnings),
			Degradations:     nonNil(in.Degradations),
		},
	}

	clusters := make(map[int]model.PainPointCluster, len(in.Clusters))
	for _, c := range in.Clusters {
		clusters[c.ID] = c
	}

	for _, v := range in.Verdicts {
		switch v.Status {
		case model.StatusTrueGap:
			r.Pipeline.TrueGaps++
		case model.StatusUnderExplained:
			r.Pipeline.UnderExplained++
		case model.StatusSaturated:
			r.Pipeline.AlreadyCovered++
			c := clusters[v.ClusterID]
			covered := CoveredTopic{
				ClusterID:       v.ClusterID,
				Topic:           c.CanonicalTopic,
				Struggle:        c.RepresentativeStruggle,
				TotalEngagement: c.TotalEngagement,
				MatchedVideoID:  v.MatchedVideoID,
				Confidence:      v.Confidence,
			}
			if v.Evidence != nil {
				covered.Evidence = *v.Evidence
			}
			r.AlreadyCovered = append(r.AlreadyCovered, covered)
		}
	}

	for _, o := range in.Opportunities {
		r.ContentGaps = append(r.ContentGaps, fromModel(o))
		if o.TitlesPending {
			r.Metadata.TitlesPending++
		}
	}
	if len(r.ContentGaps) > 0 {
		top := r.ContentGaps[0]
		r.TopOpportunity = &top
	}

	for _, v := range in.Videos {
		video := Video{
			ID:            v.ID,
			Title:         v.Title,
			CommentCount:  v.CommentCount,
			HasTranscript: v.HasTranscript(),
		}
		if !v.PublishDate.IsZero() {
			video.PublishDate = v.PublishDate.UTC().Format("2006-01-02")
		}
		r.VideosAnalyzed = append(r.VideosAnalyzed, video)
	}
	return r
}

func fromModel(o model.Opportunity) Opportunity {
	titles := o.SuggestedTitles
	if titles == nil {
		titles = []string{}
	}
	return Opportunity{
		Rank:            o.Rank,
		ClusterID:       o.ClusterID,
		GapStatus:       o.GapStatus,
		InfluenceScore:  o.InfluenceScore,
		SuggestedTitles: titles,
		TitlesPending:   o.TitlesPending,
		Topic:           o.Topic,
		Struggle:        o.Struggle,
		TotalEngagement: o.TotalEngagement,
		Trend:           o.Trend,
		Evidence:        o.Evidence,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Marshal encodes the report as indented JSON.
func (r *Report) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling report: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a persisted report.
func Unmarshal(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling report: %w", err)
	}
	return &r, nil
}
