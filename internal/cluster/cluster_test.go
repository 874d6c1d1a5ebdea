package cluster

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/TobiSchelling/GapFinder/internal/model"
)

// mockEmbedder implements llm.Embedder for testing.
type mockEmbedder struct {
	embeddings [][]float64
	err        error
}

func (m *mockEmbedder) Embed(_ context.Context, _ []string) ([][]float64, error) {
	return m.embeddings, m.err
}

func candidate(id int, topic, struggle string, weight int) model.PainPointCandidate {
	return model.PainPointCandidate{ID: id, Topic: topic, Struggle: struggle, EngagementWeight: weight}
}

func sampleCandidates() []model.PainPointCandidate {
	return []model.PainPointCandidate{
		candidate(1, "multiple take profit targets", "Cannot split an exit across several targets.", 12),
		candidate(2, "API key permissions", "Does not know which exchange permissions the bot needs.", 3),
		candidate(3, "Setting multiple take-profit targets", "Unsure how to configure several take profits at once.", 30),
		candidate(4, "trailing stop loss", "Trailing stop triggers too early.", 8),
		candidate(5, "trailing stop-loss settings", "Does not understand the trailing stop offset.", 8),
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"Take profit targets", "take-profit target", 1, 1},
		{"trailing stop loss", "trailing stop-loss settings", 0.6, 1},
		{"API key permissions", "trailing stop loss", 0, 0.6},
		{"", "", 1, 1},
	}
	for _, tt := range tests {
		got := Similarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("Similarity(%q, %q) = %f, expected within [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestTokenizeDropsStopwordsAndPlurals(t *testing.T) {
	got := Tokenize("How do I set the Take-Profit targets?")
	want := []string{"set", "take", "profit", "target"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, expected %v", got, want)
	}
}

func TestClusterEmpty(t *testing.T) {
	clusters, err := New(nil, Options{}, nil).Cluster(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 0 {
		t.Errorf("expected no clusters, got %d", len(clusters))
	}
}

func TestClusterLexicalGroupsNearDuplicates(t *testing.T) {
	candidates := sampleCandidates()
	clusters, err := New(nil, Options{}, nil).Cluster(context.Background(), candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %d: %+v", len(clusters), clusters)
	}

	take := clusters[0]
	if take.ID != 1 || !reflect.DeepEqual(take.MemberIDs, []int{1, 3}) {
		t.Errorf("unexpected first cluster %+v", take)
	}
	if take.TotalEngagement != 42 {
		t.Errorf("expected engagement 42, got %d", take.TotalEngagement)
	}
	if take.CanonicalTopic != "Setting multiple take-profit targets" {
		t.Errorf("expected the most engaged topic, got %q", take.CanonicalTopic)
	}

	if clusters[1].ID != 2 || !reflect.DeepEqual(clusters[1].MemberIDs, []int{2}) {
		t.Errorf("unexpected second cluster %+v", clusters[1])
	}

	stop := clusters[2]
	if !reflect.DeepEqual(stop.MemberIDs, []int{4, 5}) {
		t.Errorf("unexpected third cluster %+v", stop)
	}
	if stop.RepresentativeStruggle != "Does not understand the trailing stop offset." {
		t.Errorf("expected the longer struggle on equal engagement, got %q", stop.RepresentativeStruggle)
	}

	if v := CheckPartition(candidates, clusters); len(v) != 0 {
		t.Errorf("expected an exact partition, got %v", v)
	}
}

func TestClusterDeterministicAcrossInputOrder(t *testing.T) {
	candidates := sampleCandidates()
	reversed := make([]model.PainPointCandidate, len(candidates))
	for i, c := range candidates {
		reversed[len(candidates)-1-i] = c
	}

	c := New(nil, Options{}, nil)
	a, _ := c.Cluster(context.Background(), candidates)
	b, _ := c.Cluster(context.Background(), reversed)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("expected identical clusters regardless of input order:\n%+v\n%+v", a, b)
	}
}

func TestRepresentativeTieBreaksOnID(t *testing.T) {
	rep := representative([]model.PainPointCandidate{
		candidate(7, "b", "same length", 5),
		candidate(3, "a", "same length", 5),
	})
	if rep.ID != 3 {
		t.Errorf("expected lower ID to win the tie, got %d", rep.ID)
	}
}

func TestClusterEmbeddingMode(t *testing.T) {
	candidates := sampleCandidates()[:4]
	embedder := &mockEmbedder{embeddings: [][]float64{
		{1.0, 0.0, 0.0},
		{0.0, 0.0, 1.0},
		{0.95, 0.05, 0.0},
		{0.9, 0.1, 0.0},
	}}

	clusters, err := New(embedder, Options{Method: MethodEmbedding, DistanceThreshold: 1.0}, nil).
		Cluster(context.Background(), candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d: %+v", len(clusters), clusters)
	}
	if !reflect.DeepEqual(clusters[0].MemberIDs, []int{1, 3, 4}) {
		t.Errorf("unexpected embedding cluster %+v", clusters[0])
	}
}

func TestClusterEmbeddingFailureFallsBackToLexical(t *testing.T) {
	candidates := sampleCandidates()
	embedder := &mockEmbedder{err: errors.New("ollama down")}

	clusters, err := New(embedder, Options{Method: MethodEmbedding}, nil).Cluster(context.Background(), candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 3 {
		t.Errorf("expected lexical fallback to give 3 clusters, got %d", len(clusters))
	}
}

func TestCheckPartitionReportsViolations(t *testing.T) {
	candidates := sampleCandidates()
	clusters := []model.PainPointCluster{
		{ID: 1, MemberIDs: []int{1, 3}},
		{ID: 2, MemberIDs: []int{3, 99}},
		{ID: 3},
	}

	got := CheckPartition(candidates, clusters)
	want := []Violation{
		{ClusterID: 2, CandidateID: 3, Reason: "candidate in multiple clusters"},
		{ClusterID: 2, CandidateID: 99, Reason: "unknown candidate"},
		{ClusterID: 3, Reason: "empty cluster"},
		{CandidateID: 2, Reason: "candidate not clustered"},
		{CandidateID: 4, Reason: "candidate not clustered"},
		{CandidateID: 5, Reason: "candidate not clustered"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CheckPartition = %v, expected %v", got, want)
	}
}
