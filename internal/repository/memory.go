package repository

import (
	"context"
	"sync"

	"ipcountry/internal/model"
)

const memoryHistoryLimit = 100

// MemoryRepository keeps validators and the most recent refresh records in
// process memory. It is the default when no Redis or PostgreSQL is configured.
type MemoryRepository struct {
	mu         sync.Mutex
	validators map[string]model.DatasetValidators
	history    []model.RefreshRecord
	nextID     int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		validators: make(map[string]model.DatasetValidators),
	}
}

func (r *MemoryRepository) GetValidators(_ context.Context, family string) (model.DatasetValidators, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[family]
	return v, ok, nil
}

func (r *MemoryRepository) SaveValidators(_ context.Context, family string, v model.DatasetValidators) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators[family] = v
	return nil
}

func (r *MemoryRepository) SaveRefresh(_ context.Context, rec model.RefreshRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	rec.ID = r.nextID
	r.history = append(r.history, rec)
	if len(r.history) > memoryHistoryLimit {
		r.history = r.history[len(r.history)-memoryHistoryLimit:]
	}
	return nil
}

// RecentRefreshes returns up to limit records, newest first.
func (r *MemoryRepository) RecentRefreshes(_ context.Context, limit int) ([]model.RefreshRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.RefreshRecord, 0, min(limit, len(r.history)))
	for i := len(r.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.history[i])
	}
	return out, nil
}
