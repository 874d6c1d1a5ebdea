package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists analysis jobs. Implementations return ErrNotFound for
// unknown keys and never hand out references to their internal state.
type Store interface {
	Create(ctx context.Context, job *AnalysisJob) error
	Get(ctx context.Context, key string) (*AnalysisJob, error)
	Update(ctx context.Context, job *AnalysisJob) error
	// FindActive returns the newest non-terminal job for channel and email.
	FindActive(ctx context.Context, channelID, email string) (*AnalysisJob, error)
	// List returns up to limit jobs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*AnalysisJob, error)
	// ListStale returns non-terminal, non-stuck jobs last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*AnalysisJob, error)
	Close() error
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*AnalysisJob
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*AnalysisJob)}
}

func (m *MemoryStore) Create(_ context.Context, job *AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.AccessKey]; ok {
		return fmt.Errorf("creating job %s: duplicate access key", job.AccessKey)
	}
	m.jobs[job.AccessKey] = job.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*AnalysisJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, job *AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.AccessKey]; !ok {
		return ErrNotFound
	}
	m.jobs[job.AccessKey] = job.Clone()
	return nil
}

func (m *MemoryStore) FindActive(_ context.Context, channelID, email string) (*AnalysisJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *AnalysisJob
	for _, j := range m.jobs {
		if j.ChannelID != channelID || j.RequestingEmail != email || j.Phase.Terminal() {
			continue
		}
		if found == nil || j.CreatedAt.After(found.CreatedAt) {
			found = j
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*AnalysisJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AnalysisJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]*AnalysisJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AnalysisJob
	for _, j := range m.jobs {
		if !j.Phase.Terminal() && !j.Stuck && j.UpdatedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(jobs []*AnalysisJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].AccessKey < jobs[k].AccessKey
	})
}
