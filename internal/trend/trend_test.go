package trend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/GapFinder/internal/model"
	"github.com/TobiSchelling/GapFinder/internal/retry"
)

var fastRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func trendServer(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(srv.URL+"/trend", time.Second)
}

func TestHTTPProviderLookup(t *testing.T) {
	p := trendServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trend", r.URL.Path)
		assert.Equal(t, "take profit targets", r.URL.Query().Get("topic"))
		_, _ = w.Write([]byte(`{"interest_score": 72, "trajectory": "rising"}`))
	})

	signal, err := p.Lookup(context.Background(), "take profit targets")
	require.NoError(t, err)
	assert.Equal(t, &model.TrendSignal{Topic: "take profit targets", InterestScore: 72, Trajectory: model.TrajectoryRising}, signal)
}

func TestHTTPProviderUnavailable(t *testing.T) {
	p := trendServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("topic") == "missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"unavailable": true}`))
	})

	_, err := p.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = p.Lookup(context.Background(), "niche")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPProviderRejectsInvalidPayloads(t *testing.T) {
	payloads := []string{
		`{"interest_score": 140, "trajectory": "rising"}`,
		`{"interest_score": 40, "trajectory": "sideways"}`,
		`{"trajectory": "stable"}`,
		`{"interest_score": 40, "trajectory": "stable", "source": "x"}`,
		`not json`,
	}
	for _, payload := range payloads {
		p := trendServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(payload))
		})
		_, err := p.Lookup(context.Background(), "topic")
		assert.Error(t, err, payload)
		assert.NotErrorIs(t, err, ErrUnavailable, payload)
	}
}

func TestEnrichRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	p := trendServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"interest_score": 10, "trajectory": "falling"}`))
	})

	signal := NewEnricher(p, fastRetry, 1, nil).Enrich(context.Background(), "topic")
	require.NotNil(t, signal)
	assert.Equal(t, model.TrajectoryFalling, signal.Trajectory)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnrichDegradesToNil(t *testing.T) {
	var calls atomic.Int32
	p := trendServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.Nil(t, NewEnricher(p, fastRetry, 1, nil).Enrich(context.Background(), "topic"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnrichDoesNotRetryUnavailable(t *testing.T) {
	var calls atomic.Int32
	p := trendServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})

	assert.Nil(t, NewEnricher(p, fastRetry, 1, nil).Enrich(context.Background(), "topic"))
	assert.Equal(t, int32(1), calls.Load())
}

type mapProvider map[string]*model.TrendSignal

func (m mapProvider) Lookup(_ context.Context, topic string) (*model.TrendSignal, error) {
	if s, ok := m[topic]; ok {
		return s, nil
	}
	return nil, errors.New("boom")
}

func TestEnrichAllKeepsOrderAndNils(t *testing.T) {
	p := mapProvider{
		"a": {Topic: "a", InterestScore: 50, Trajectory: model.TrajectoryStable},
		"c": {Topic: "c", InterestScore: 90, Trajectory: model.TrajectoryRising},
	}
	out := NewEnricher(p, fastRetry, 3, nil).EnrichAll(context.Background(), []string{"a", "b", "c"})

	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Topic)
	assert.Nil(t, out[1])
	assert.Equal(t, "c", out[2].Topic)
}

func TestNopProviderYieldsNil(t *testing.T) {
	e := NewEnricher(nil, fastRetry, 1, nil)
	assert.Nil(t, e.Enrich(context.Background(), "anything"))
	assert.Equal(t, []*model.TrendSignal{nil, nil}, e.EnrichAll(context.Background(), []string{"a", "b"}))
}
