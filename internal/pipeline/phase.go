package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/GapFinder/internal/cluster"
	"github.com/TobiSchelling/GapFinder/internal/extract"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
	"github.com/TobiSchelling/GapFinder/internal/score"
	"github.com/TobiSchelling/GapFinder/internal/signal"
	"github.com/TobiSchelling/GapFinder/internal/trend"
	"github.com/TobiSchelling/GapFinder/internal/verify"
)

// Kind identifies a pipeline phase. Phases run in declaration order.
type Kind int

const (
	KindFilter Kind = iota
	KindExtract
	KindCluster
	KindVerify
	KindEnrich
	KindScore
)

var kindNames = [...]string{"Filter", "Extract", "Cluster", "Verify", "Enrich", "Score"}

// progress reached once the phase completes.
var kindProgress = [...]int{15, 40, 50, 75, 85, 100}

// Kinds returns every phase kind in execution order.
func Kinds() []Kind {
	return []Kind{KindFilter, KindExtract, KindCluster, KindVerify, KindEnrich, KindScore}
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Progress returns the job progress percentage once k has completed.
func (k Kind) Progress() int {
	if k < 0 || int(k) >= len(kindProgress) {
		return 0
	}
	return kindProgress[k]
}

// ParseKind maps a phase name (case-insensitive) onto its Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Phase is one stage of the gap discovery pipeline. Run reads its inputs
// from state and writes its outputs back; errors land in StepResult.Err.
type Phase interface {
	Kind() Kind
	Run(ctx context.Context, state *State) StepResult
}

// Deps are the collaborators phases are built from.
type Deps struct {
	Filter    *signal.Filter
	Extractor *extract.Extractor
	Clusterer *cluster.Clusterer
	Verifier  *verify.Verifier
	Enricher  *trend.Enricher
	Scorer    *score.Scorer
	Titler    *score.Titler
	Log       logger.Logger
}

// PhaseFor returns the implementation of kind.
func PhaseFor(kind Kind, deps *Deps) (Phase, error) {
	if deps == nil {
		return nil, fmt.Errorf("building %s phase: no dependencies", kind)
	}
	switch kind {
	case KindFilter:
		if deps.Filter == nil {
			return nil, fmt.Errorf("building %s phase: no signal filter", kind)
		}
		return filterPhase{deps.Filter}, nil
	case KindExtract:
		if deps.Extractor == nil {
			return nil, fmt.Errorf("building %s phase: no extractor", kind)
		}
		return extractPhase{deps.Extractor}, nil
	case KindCluster:
		if deps.Clusterer == nil {
			return nil, fmt.Errorf("building %s phase: no clusterer", kind)
		}
		return clusterPhase{deps.Clusterer}, nil
	case KindVerify:
		if deps.Verifier == nil {
			return nil, fmt.Errorf("building %s phase: no verifier", kind)
		}
		return verifyPhase{deps.Verifier}, nil
	case KindEnrich:
		return enrichPhase{deps.Enricher}, nil
	case KindScore:
		if deps.Scorer == nil {
			return nil, fmt.Errorf("building %s phase: no scorer", kind)
		}
		return scorePhase{scorer: deps.Scorer, titler: deps.Titler}, nil
	}
	return nil, fmt.Errorf("unknown phase kind %d", int(kind))
}

type filterPhase struct{ filter *signal.Filter }

func (filterPhase) Kind() Kind { return KindFilter }

func (p filterPhase) Run(_ context.Context, s *State) StepResult {
	s.HighSignal, s.FilterStats = p.filter.Filter(s.Comments)
	st := s.FilterStats
	return StepResult{
		Summary: fmt.Sprintf("Kept %d of %d comments (%d too short, %d below cutoff, %d over cap)",
			st.Kept, st.Total, st.TooShort, st.BelowCutoff, st.Capped),
	}
}

type extractPhase struct{ extractor *extract.Extractor }

func (extractPhase) Kind() Kind { return KindExtract }

func (p extractPhase) Run(ctx context.Context, s *State) StepResult {
	r, err := p.extractor.Extract(ctx, s.HighSignal)
	if err != nil {
		return StepResult{Err: err}
	}
	s.Candidates = r.Candidates
	s.Unscored = r.Unscored
	if r.BatchesFailed > 0 {
		s.degrade(fmt.Sprintf("%d of %d extraction batches failed; %d comments unscored",
			r.BatchesFailed, r.Batches, len(r.Unscored)))
	}
	return StepResult{
		Summary: fmt.Sprintf("Extracted %d pain points from %d batches (%d failed)",
			len(r.Candidates), r.Batches, r.BatchesFailed),
	}
}

type clusterPhase struct{ clusterer *cluster.Clusterer }

func (clusterPhase) Kind() Kind { return KindCluster }

func (p clusterPhase) Run(ctx context.Context, s *State) StepResult {
	clusters, err := p.clusterer.Cluster(ctx, s.Candidates)
	if err != nil {
		return StepResult{Err: err}
	}

	excluded := make(map[int]bool)
	for _, v := range cluster.CheckPartition(s.Candidates, clusters) {
		s.warn(v.String())
		if v.ClusterID != 0 {
			excluded[v.ClusterID] = true
		}
	}
	s.Clusters = clusters[:0:0]
	for _, c := range clusters {
		if !excluded[c.ID] {
			s.Clusters = append(s.Clusters, c)
		}
	}

	return StepResult{
		Summary: fmt.Sprintf("Grouped %d pain points into %d clusters (%d excluded)",
			len(s.Candidates), len(s.Clusters), len(excluded)),
	}
}

type verifyPhase struct{ verifier *verify.Verifier }

func (verifyPhase) Kind() Kind { return KindVerify }

func (p verifyPhase) Run(ctx context.Context, s *State) StepResult {
	corpus := verify.NewCorpus(s.Videos)
	if corpus.Size() == 0 && len(s.Clusters) > 0 {
		s.degrade("no transcripts available; coverage could not be checked")
	}

	verdicts, err := p.verifier.VerifyAll(ctx, s.Clusters, corpus)
	if err != nil {
		return StepResult{Err: err}
	}

	s.Verdicts = verdicts[:0:0]
	counts := map[model.GapStatus]int{}
	for i, v := range verdicts {
		if v.Status == model.StatusSaturated && v.Evidence == nil {
			s.warn(fmt.Sprintf("cluster %d: saturated verdict without evidence", s.Clusters[i].ID))
			v.Status = model.StatusUnderExplained
		}
		counts[v.Status]++
		s.Verdicts = append(s.Verdicts, v)
	}

	return StepResult{
		Summary: fmt.Sprintf("Verified %d clusters against %d transcripts: %d true gaps, %d under-explained, %d covered",
			len(verdicts), corpus.Size(),
			counts[model.StatusTrueGap], counts[model.StatusUnderExplained], counts[model.StatusSaturated]),
	}
}

type enrichPhase struct{ enricher *trend.Enricher }

func (enrichPhase) Kind() Kind { return KindEnrich }

func (p enrichPhase) Run(ctx context.Context, s *State) StepResult {
	s.Trends = make(map[int]*model.TrendSignal)
	if p.enricher == nil {
		s.degrade("trend data unavailable; neutral trend multiplier applied")
		return StepResult{Summary: "Trend enrichment disabled"}
	}

	open := s.openClusters()
	topics := make([]string, len(open))
	for i, c := range open {
		topics[i] = c.CanonicalTopic
	}

	found := 0
	for i, sig := range p.enricher.EnrichAll(ctx, topics) {
		if sig != nil {
			s.Trends[open[i].ID] = sig
			found++
		}
	}
	if err := ctx.Err(); err != nil {
		return StepResult{Err: err}
	}
	if found < len(open) {
		s.degrade(fmt.Sprintf("trend data unavailable for %d of %d topics; neutral trend multiplier applied",
			len(open)-found, len(open)))
	}
	return StepResult{Summary: fmt.Sprintf("Found trend data for %d of %d topics", found, len(open))}
}

type scorePhase struct {
	scorer *score.Scorer
	titler *score.Titler
}

func (scorePhase) Kind() Kind { return KindScore }

func (p scorePhase) Run(ctx context.Context, s *State) StepResult {
	verdicts := make(map[int]model.GapVerificationResult, len(s.Verdicts))
	for _, v := range s.Verdicts {
		verdicts[v.ClusterID] = v
	}

	inputs := make([]score.Input, 0, len(s.Clusters))
	for _, c := range s.Clusters {
		v, ok := verdicts[c.ID]
		if !ok {
			continue
		}
		inputs = append(inputs, score.Input{Cluster: c, Verdict: v, Trend: s.Trends[c.ID]})
	}
	s.Opportunities = p.scorer.Score(inputs, s.LikeVolume())

	pending := 0
	if p.titler != nil {
		pending = p.titler.Generate(ctx, s.Opportunities)
	} else {
		for i := range s.Opportunities {
			s.Opportunities[i].SuggestedTitles = []string{}
			s.Opportunities[i].TitlesPending = true
		}
		pending = len(s.Opportunities)
	}
	if err := ctx.Err(); err != nil {
		return StepResult{Err: err}
	}
	if pending > 0 {
		s.degrade(fmt.Sprintf("titles pending for %d of %d opportunities", pending, len(s.Opportunities)))
	}
	return StepResult{
		Summary: fmt.Sprintf("Ranked %d opportunities (%d with titles pending)", len(s.Opportunities), pending),
	}
}
