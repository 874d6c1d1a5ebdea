// Package model holds the records that flow between pipeline phases.
package model

import "time"

// Video is a channel upload sampled for a job.
type Video struct {
	ID           string
	Title        string
	PublishDate  time.Time
	Transcript   string
	CommentCount int
}

// HasTranscript reports whether transcript text is available.
func (v Video) HasTranscript() bool {
	return v.Transcript != ""
}

// Comment is a single audience comment. ParentID is set for replies.
type Comment struct {
	ID        string  `json:"id"`
	VideoID   string  `json:"video_id"`
	Text      string  `json:"text"`
	LikeCount int     `json:"like_count"`
	ParentID  *string `json:"parent_id,omitempty"`
}

// Category classifies what a comment is about.
type Category string

const (
	CategoryConfusion Category = "Confusion"
	CategoryInquiry   Category = "Inquiry"
	CategorySuccess   Category = "Success"
	CategoryLowIntent Category = "LowIntent"
	CategoryOther     Category = "Other"
)

// SignalLabel annotates a comment with its filter score.
type SignalLabel struct {
	Score    int
	Category Category
}

// ScoredComment is a comment that survived the signal filter.
type ScoredComment struct {
	Comment
	Label SignalLabel
}

// PainPointCandidate is a struggle extracted from one or more comments.
type PainPointCandidate struct {
	ID               int
	Topic            string
	Struggle         string
	SourceCommentIDs []string
	EngagementWeight int
}

// PainPointCluster groups near-duplicate candidates.
type PainPointCluster struct {
	ID                     int
	CanonicalTopic         string
	MemberIDs              []int
	TotalEngagement        int
	RepresentativeStruggle string
}

// GapStatus is the terminal verdict for a cluster.
type GapStatus string

const (
	StatusTrueGap        GapStatus = "TRUE_GAP"
	StatusUnderExplained GapStatus = "UNDER_EXPLAINED"
	StatusSaturated      GapStatus = "SATURATED"
)

// GapVerificationResult is the verifier's verdict for one cluster.
type GapVerificationResult struct {
	ClusterID      int
	Status         GapStatus
	Evidence       *string
	Confidence     float64
	MatchedVideoID string
}

// Trajectory describes search interest momentum.
type Trajectory string

const (
	TrajectoryRising  Trajectory = "Rising"
	TrajectoryStable  Trajectory = "Stable"
	TrajectoryFalling Trajectory = "Falling"
)

// ParseTrajectory maps a collaborator value onto a Trajectory.
func ParseTrajectory(s string) (Trajectory, bool) {
	switch Trajectory(s) {
	case TrajectoryRising, TrajectoryStable, TrajectoryFalling:
		return Trajectory(s), true
	}
	switch s {
	case "rising":
		return TrajectoryRising, true
	case "stable":
		return TrajectoryStable, true
	case "falling":
		return TrajectoryFalling, true
	}
	return "", false
}

// TrendSignal is optional search-trend momentum for a topic.
type TrendSignal struct {
	Topic         string     `json:"topic"`
	InterestScore int        `json:"interest_score"`
	Trajectory    Trajectory `json:"trajectory"`
}

// Opportunity is a ranked, titled content gap.
type Opportunity struct {
	Rank            int
	ClusterID       int
	GapStatus       GapStatus
	InfluenceScore  float64
	SuggestedTitles []string
	TitlesPending   bool

	Topic           string
	Struggle        string
	TotalEngagement int
	Trend           *TrendSignal
	Evidence        *string
}
