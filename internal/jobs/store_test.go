package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memJob(key, channel string, phase Phase, created time.Time) *AnalysisJob {
	return &AnalysisJob{
		AccessKey:       key,
		ChannelID:       channel,
		RequestingEmail: "owner@example.com",
		Phase:           phase,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := memJob("k1", "UC1", PhaseQueued, time.Now())
	require.NoError(t, s.Create(ctx, job))

	job.Phase = PhaseFailed
	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, got.Phase)

	got.Progress = 90
	again, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Progress)
}

func TestMemoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, memJob("k1", "UC1", PhaseQueued, time.Now())))

	assert.Error(t, s.Create(ctx, memJob("k1", "UC1", PhaseQueued, time.Now())))

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, memJob("missing", "UC1", PhaseQueued, time.Now())), ErrNotFound)
	_, err = s.FindActive(ctx, "UC2", "owner@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreFindActiveSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, memJob("done", "UC1", PhaseCompleted, base.Add(2*time.Hour))))
	require.NoError(t, s.Create(ctx, memJob("old", "UC1", PhaseQueued, base)))
	require.NoError(t, s.Create(ctx, memJob("new", "UC1", PhaseVerifying, base.Add(time.Hour))))

	got, err := s.FindActive(ctx, "UC1", "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessKey)
}

func TestMemoryStoreListAndStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stuck := memJob("stuck", "UC3", PhaseExtracting, base)
	stuck.Stuck = true
	require.NoError(t, s.Create(ctx, memJob("a", "UC1", PhaseFiltering, base)))
	require.NoError(t, s.Create(ctx, memJob("b", "UC2", PhaseCompleted, base.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, memJob("c", "UC3", PhaseQueued, base.Add(2*time.Minute))))
	require.NoError(t, s.Create(ctx, stuck))

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "c", all[0].AccessKey)
	assert.Equal(t, "b", all[1].AccessKey)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	stale, err := s.ListStale(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].AccessKey)
}
