package repository

import (
	"context"
	"testing"
	"time"

	"ipcountry/internal/model"
)

func TestMemoryRepository_Validators(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	if _, ok, err := repo.GetValidators(ctx, "IPv4"); ok || err != nil {
		t.Fatalf("expected no validators, got ok=%v err=%v", ok, err)
	}

	want := model.DatasetValidators{ETag: `"abc"`, Checksum: 42, FetchedAt: time.Now()}
	if err := repo.SaveValidators(ctx, "IPv4", want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := repo.GetValidators(ctx, "IPv4")
	if err != nil || !ok {
		t.Fatalf("expected validators, got ok=%v err=%v", ok, err)
	}
	if got.ETag != want.ETag || got.Checksum != want.Checksum {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	if _, ok, _ := repo.GetValidators(ctx, "IPv6"); ok {
		t.Error("validators leaked across families")
	}
}

func TestMemoryRepository_RecentRefreshes(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i := 0; i < memoryHistoryLimit+5; i++ {
		if err := repo.SaveRefresh(ctx, model.RefreshRecord{Family: "IPv4", Outcome: model.OutcomeUpdated, Rows: i}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	records, err := repo.RecentRefreshes(ctx, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Rows != memoryHistoryLimit+4 {
		t.Errorf("expected newest record first, got rows=%d", records[0].Rows)
	}
	if records[0].ID <= records[1].ID {
		t.Errorf("expected descending ids, got %d then %d", records[0].ID, records[1].ID)
	}

	all, _ := repo.RecentRefreshes(ctx, 1000)
	if len(all) != memoryHistoryLimit {
		t.Errorf("expected history capped at %d, got %d", memoryHistoryLimit, len(all))
	}
}
