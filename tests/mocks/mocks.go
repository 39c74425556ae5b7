package mocks

import (
	"context"
	"net/netip"

	"ipcountry/internal/model"
)

type MockValidatorStore struct {
	GetValidatorsFunc  func(ctx context.Context, family string) (model.DatasetValidators, bool, error)
	SaveValidatorsFunc func(ctx context.Context, family string, v model.DatasetValidators) error
}

func (m *MockValidatorStore) GetValidators(ctx context.Context, family string) (model.DatasetValidators, bool, error) {
	return m.GetValidatorsFunc(ctx, family)
}

func (m *MockValidatorStore) SaveValidators(ctx context.Context, family string, v model.DatasetValidators) error {
	return m.SaveValidatorsFunc(ctx, family, v)
}

type MockHistoryStore struct {
	SaveRefreshFunc     func(ctx context.Context, rec model.RefreshRecord) error
	RecentRefreshesFunc func(ctx context.Context, limit int) ([]model.RefreshRecord, error)
}

func (m *MockHistoryStore) SaveRefresh(ctx context.Context, rec model.RefreshRecord) error {
	return m.SaveRefreshFunc(ctx, rec)
}

func (m *MockHistoryStore) RecentRefreshes(ctx context.Context, limit int) ([]model.RefreshRecord, error) {
	return m.RecentRefreshesFunc(ctx, limit)
}

type MockLookupService struct {
	LookupFunc func(addr netip.Addr) model.LookupResult
	StatusFunc func() []model.TableStatus
}

func (m *MockLookupService) Lookup(addr netip.Addr) model.LookupResult {
	return m.LookupFunc(addr)
}

func (m *MockLookupService) Status() []model.TableStatus {
	return m.StatusFunc()
}
