// Package score ranks verified gaps into opportunities and titles them.
package score

import (
	"math"
	"sort"

	"github.com/TobiSchelling/GapFinder/internal/config"
	"github.com/TobiSchelling/GapFinder/internal/model"
)

// Weights are the multipliers of the influence formula.
type Weights struct {
	TrueGap        float64
	UnderExplained float64
	Rising         float64
	Stable         float64
	Falling        float64
}

// WeightsFromConfig reads weights from configuration, falling back to
// defaults for unset values.
func WeightsFromConfig(cfg config.Scoring) Weights {
	d := config.Default().Scoring
	pick := func(v, def float64) float64 {
		if v <= 0 {
			return def
		}
		return v
	}
	return Weights{
		TrueGap:        pick(cfg.Status.TrueGap, d.Status.TrueGap),
		UnderExplained: pick(cfg.Status.UnderExplained, d.Status.UnderExplained),
		Rising:         pick(cfg.Trend.Rising, d.Trend.Rising),
		Stable:         pick(cfg.Trend.Stable, d.Trend.Stable),
		Falling:        pick(cfg.Trend.Falling, d.Trend.Falling),
	}
}

// Input is one verified cluster with its optional trend signal.
type Input struct {
	Cluster model.PainPointCluster
	Verdict model.GapVerificationResult
	Trend   *model.TrendSignal
}

// Scorer computes influence scores.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer.
func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// StatusMultiplier returns the multiplier for a status; ok is false for
// statuses that are not opportunities.
func (s *Scorer) StatusMultiplier(status model.GapStatus) (float64, bool) {
	switch status {
	case model.StatusTrueGap:
		return s.weights.TrueGap, true
	case model.StatusUnderExplained:
		return s.weights.UnderExplained, true
	}
	return 0, false
}

// TrendMultiplier returns the multiplier for a trend signal. A nil signal
// is neutral.
func (s *Scorer) TrendMultiplier(t *model.TrendSignal) float64 {
	if t == nil {
		return 1.0
	}
	switch t.Trajectory {
	case model.TrajectoryRising:
		return s.weights.Rising
	case model.TrajectoryFalling:
		return s.weights.Falling
	default:
		return s.weights.Stable
	}
}

// Influence computes
//
//	100 * totalEngagement / max(1, likeVolume) * status * trend
//
// rounded to two decimals.
func (s *Scorer) Influence(totalEngagement, likeVolume int, status model.GapStatus, t *model.TrendSignal) (float64, bool) {
	sm, ok := s.StatusMultiplier(status)
	if !ok {
		return 0, false
	}
	engagement := 100 * float64(totalEngagement) / float64(max(1, likeVolume))
	return math.Round(engagement*sm*s.TrendMultiplier(t)*100) / 100, true
}

// Score turns verified clusters into ranked opportunities. SATURATED
// clusters are excluded. Ranking is by influence, then total engagement,
// then cluster ID; ranks start at 1.
func (s *Scorer) Score(inputs []Input, likeVolume int) []model.Opportunity {
	opps := make([]model.Opportunity, 0, len(inputs))
	for _, in := range inputs {
		influence, ok := s.Influence(in.Cluster.TotalEngagement, likeVolume, in.Verdict.Status, in.Trend)
		if !ok {
			continue
		}
		opps = append(opps, model.Opportunity{
			ClusterID:       in.Cluster.ID,
			GapStatus:       in.Verdict.Status,
			InfluenceScore:  influence,
			Topic:           in.Cluster.CanonicalTopic,
			Struggle:        in.Cluster.RepresentativeStruggle,
			TotalEngagement: in.Cluster.TotalEngagement,
			Trend:           in.Trend,
			Evidence:        in.Verdict.Evidence,
		})
	}

	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.InfluenceScore != b.InfluenceScore {
			return a.InfluenceScore > b.InfluenceScore
		}
		if a.TotalEngagement != b.TotalEngagement {
			return a.TotalEngagement > b.TotalEngagement
		}
		return a.ClusterID < b.ClusterID
	})
	for i := range opps {
		opps[i].Rank = i + 1
	}
	return opps
}
