package pipeline

import (
	"time"

	"github.com/TobiSchelling/GapFinder/internal/model"
	"github.com/TobiSchelling/GapFinder/internal/report"
	"github.com/TobiSchelling/GapFinder/internal/signal"
)

// State carries one job's data between phases. Each phase owns the fields
// it writes; earlier fields are read-only to later phases.
type State struct {
	ChannelID string
	Videos    []model.Video
	Comments  []model.Comment

	HighSignal    []model.ScoredComment
	FilterStats   signal.Stats
	Candidates    []model.PainPointCandidate
	Unscored      []string
	Clusters      []model.PainPointCluster
	Verdicts      []model.GapVerificationResult
	Trends        map[int]*model.TrendSignal
	Opportunities []model.Opportunity

	Warnings     []string
	Degradations []string
}

// NewState starts a job's state from ingested data.
func NewState(channelID string, videos []model.Video, comments []model.Comment) *State {
	return &State{ChannelID: channelID, Videos: videos, Comments: comments}
}

// LikeVolume is the total like count across every ingested comment. It
// normalizes cluster engagement when scoring.
func (s *State) LikeVolume() int {
	total := 0
	for _, c := range s.Comments {
		total += c.LikeCount
	}
	return total
}

// Report builds the final report from the current state.
func (s *State) Report(now time.Time) *report.Report {
	return report.Build(report.Input{
		ChannelID:     s.ChannelID,
		Videos:        s.Videos,
		RawComments:   len(s.Comments),
		HighSignal:    len(s.HighSignal),
		Candidates:    len(s.Candidates),
		Clusters:      s.Clusters,
		Verdicts:      s.Verdicts,
		Opportunities: s.Opportunities,
		Unscored:      s.Unscored,
		Warnings:      s.Warnings,
		Degradations:  s.Degradations,
		GeneratedAt:   now,
	})
}

// openClusters returns the clusters whose verdict is not SATURATED.
func (s *State) openClusters() []model.PainPointCluster {
	saturated := make(map[int]bool)
	for _, v := range s.Verdicts {
		if v.Status == model.StatusSaturated {
			saturated[v.ClusterID] = true
		}
	}
	out := make([]model.PainPointCluster, 0, len(s.Clusters))
	for _, c := range s.Clusters {
		if !saturated[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *State) warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

func (s *State) degrade(msg string) {
	s.Degradations = append(s.Degradations, msg)
}
