package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/model"
)

// Memory is an in-process Store, grounded on the same
// mutex-guarded-map-of-records shape used throughout the teacher's
// lifecycle manager; intended for tests and for a single-process
// deployment that doesn't need crash-safety.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*model.SessionRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*model.SessionRecord)}
}

func (m *Memory) Upsert(ctx context.Context, rec *model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := rec.Clone()
	cp.LastActivity = now
	if cp.Status == model.StatusActive {
		cp.ResumedAt = &now
	}
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	m.records[cp.ThreadID] = cp
	*rec = *cp
	return nil
}

func (m *Memory) GetByThread(ctx context.Context, threadID string) (*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[threadID]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (m *Memory) HasTracked(ctx context.Context, threadID string) (bool, error) {
	r, err := m.GetByThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	return r != nil && r.Status != model.StatusDestroyed, nil
}

func (m *Memory) GetActive(ctx context.Context, threadID string) (*model.SessionRecord, error) {
	r, err := m.GetByThread(ctx, threadID)
	if err != nil || r == nil || r.Status != model.StatusActive {
		return nil, err
	}
	return r, nil
}

func (m *Memory) mutate(threadID string, fn func(r *model.SessionRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[threadID]
	if !ok {
		return &coreerrors.StorageError{Op: "mutate", Err: errNotFound(threadID)}
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkActivity(ctx context.Context, threadID string) error {
	return m.mutate(threadID, func(r *model.SessionRecord) { r.LastActivity = time.Now().UTC() })
}

func (m *Memory) MarkHealthOk(ctx context.Context, threadID string) error {
	return m.mutate(threadID, func(r *model.SessionRecord) {
		now := time.Now().UTC()
		r.LastHealthOkAt = &now
	})
}

func (m *Memory) UpdateStatus(ctx context.Context, threadID string, status model.Status, lastError *string) error {
	return m.mutate(threadID, func(r *model.SessionRecord) {
		now := time.Now().UTC()
		r.Status = status
		switch status {
		case model.StatusPausing:
			r.PauseRequestedAt = &now
		case model.StatusPaused:
			r.PausedAt = &now
		case model.StatusResuming:
			r.ResumeAttemptedAt = &now
		case model.StatusActive:
			r.ResumedAt = &now
		case model.StatusDestroyed:
			r.DestroyedAt = &now
		}
		if lastError != nil {
			e := *lastError
			r.LastError = &e
		}
	})
}

func (m *Memory) IncrementResumeFailure(ctx context.Context, threadID string, lastError string) error {
	return m.mutate(threadID, func(r *model.SessionRecord) {
		r.ResumeFailCount++
		r.LastError = &lastError
	})
}

func (m *Memory) snapshot() []*model.SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.SessionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	return out
}

func (m *Memory) ListActive(ctx context.Context) ([]*model.SessionRecord, error) {
	all := m.snapshot()
	out := make([]*model.SessionRecord, 0, len(all))
	for _, r := range all {
		if r.Status == model.StatusActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *Memory) ListTracked(ctx context.Context) ([]*model.SessionRecord, error) {
	all := m.snapshot()
	out := make([]*model.SessionRecord, 0, len(all))
	for _, r := range all {
		if r.Status != model.StatusDestroyed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) ListStaleActive(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMinutes) * time.Minute)
	all := m.snapshot()
	out := make([]*model.SessionRecord, 0)
	for _, r := range all {
		if r.Status == model.StatusActive && r.LastActivity.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListExpiredPaused(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMinutes) * time.Minute)
	all := m.snapshot()
	out := make([]*model.SessionRecord, 0)
	for _, r := range all {
		if r.Status == model.StatusPaused && r.PausedAt != nil && r.PausedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return "sessionstore: no record for thread " + string(e) }

func errNotFound(threadID string) error { return notFoundErr(threadID) }
