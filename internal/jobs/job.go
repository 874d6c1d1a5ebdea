// Package jobs owns the analysis job lifecycle: submission, phase
// transitions, requeue and stuck detection.
package jobs

import (
	"errors"
	"time"

	"github.com/TobiSchelling/GapFinder/internal/pipeline"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNotRequeueable = errors.New("job cannot be requeued")
	ErrNotReady       = errors.New("job report is not ready")
	ErrInvalidRequest = errors.New("invalid job request")
)

// Phase is where a job is in its lifecycle.
type Phase string

const (
	PhaseQueued     Phase = "Queued"
	PhaseFiltering  Phase = "Filtering"
	PhaseExtracting Phase = "Extracting"
	PhaseVerifying  Phase = "Verifying"
	PhaseEnriching  Phase = "Enriching"
	PhaseScoring    Phase = "Scoring"
	PhaseCompleted  Phase = "Completed"
	PhaseFailed     Phase = "Failed"
)

// Terminal reports whether no further transition happens without a requeue.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Status is the coarse job state shown to users.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Status derives the user-facing status from the phase.
func (p Phase) Status() Status {
	switch p {
	case PhaseQueued:
		return StatusQueued
	case PhaseCompleted:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	}
	return StatusProcessing
}

// ParsePhase validates a stored phase name.
func ParsePhase(s string) (Phase, bool) {
	switch p := Phase(s); p {
	case PhaseQueued, PhaseFiltering, PhaseExtracting, PhaseVerifying,
		PhaseEnriching, PhaseScoring, PhaseCompleted, PhaseFailed:
		return p, true
	}
	return "", false
}

// PhaseOf maps a pipeline phase onto the job phase reported while it runs.
// Clustering is reported as part of extraction.
func PhaseOf(k pipeline.Kind) Phase {
	switch k {
	case pipeline.KindFilter:
		return PhaseFiltering
	case pipeline.KindExtract, pipeline.KindCluster:
		return PhaseExtracting
	case pipeline.KindVerify:
		return PhaseVerifying
	case pipeline.KindEnrich:
		return PhaseEnriching
	case pipeline.KindScore:
		return PhaseScoring
	}
	return PhaseQueued
}

// AnalysisJob is one requested channel analysis.
type AnalysisJob struct {
	AccessKey       string
	ChannelID       string
	RequestingEmail string
	VideoSampleSize int
	Phase           Phase
	Progress        int
	CreatedAt       time.Time
	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time
	Reason    string
	Stuck     bool
	Attempts  int
	Result    *report.Report
}

// Status is a shorthand for j.Phase.Status().
func (j *AnalysisJob) Status() Status {
	return j.Phase.Status()
}

// Clone returns a deep enough copy for stores to hand out.
func (j *AnalysisJob) Clone() *AnalysisJob {
	c := *j
	return &c
}
