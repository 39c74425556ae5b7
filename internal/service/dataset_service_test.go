package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"lukechampine.com/uint128"

	"ipcountry/internal/config"
	"ipcountry/internal/model"
	"ipcountry/internal/ordinal"
	"ipcountry/internal/ranges"
	"ipcountry/internal/repository"
	"ipcountry/tests/mocks"
)

const (
	ipv4Dataset = "0,16777215,US\n16777216,33554431,FR\n"
	ipv6Dataset = "0,1000,JP\n"
)

func newTestDatasetService(t *testing.T, v4URL, v6URL string, history HistoryStore) (*DatasetService, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		FetchTimeout: 5 * time.Second,
		FetchRetries: 2,
		RetryDelay:   time.Millisecond,
		Datasets: []config.Dataset{
			{Family: ordinal.V4, URL: v4URL, Path: filepath.Join(dir, "v4.csv")},
			{Family: ordinal.V6, URL: v6URL, Path: filepath.Join(dir, "v6.csv")},
		},
	}
	logger, _ := zap.NewDevelopment()
	return NewDatasetService(cfg, repository.NewMemoryRepository(), history, logger), cfg
}

func serveDataset(body string, etag string, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		if etag != "" {
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
		}
		w.Write([]byte(body))
	}))
}

func failingServer(code int, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(code)
	}))
}

func reportFor(t *testing.T, reports []FamilyReport, family ordinal.Family) FamilyReport {
	t.Helper()
	for _, r := range reports {
		if r.Family == family {
			return r
		}
	}
	t.Fatalf("no report for %s", family)
	return FamilyReport{}
}

func TestDatasetService_RefreshUpdatesBothFamilies(t *testing.T) {
	v4 := serveDataset(ipv4Dataset, "", nil)
	defer v4.Close()
	v6 := serveDataset(ipv6Dataset, "", nil)
	defer v6.Close()

	history := repository.NewMemoryRepository()
	svc, cfg := newTestDatasetService(t, v4.URL, v6.URL, history)

	reports := svc.Refresh(context.Background())
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}

	r4 := reportFor(t, reports, ordinal.V4)
	if r4.Outcome != model.OutcomeUpdated || r4.Err != nil {
		t.Fatalf("expected ipv4 updated, got %s (%v)", r4.Outcome, r4.Err)
	}
	if r4.Table == nil || r4.Table.Len() != 2 {
		t.Fatalf("expected ipv4 table with 2 ranges, got %+v", r4.Table)
	}

	data, err := os.ReadFile(cfg.Datasets[0].Path)
	if err != nil {
		t.Fatalf("expected persisted ipv4 dataset: %v", err)
	}
	if string(data) != ipv4Dataset {
		t.Errorf("unexpected persisted content %q", data)
	}
	if _, err := os.Stat(cfg.Datasets[0].Path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be gone")
	}

	r6 := reportFor(t, reports, ordinal.V6)
	if r6.Outcome != model.OutcomeUpdated || r6.Table.Len() != 1 {
		t.Errorf("expected ipv6 updated with 1 range, got %s", r6.Outcome)
	}

	records, _ := history.RecentRefreshes(context.Background(), 10)
	if len(records) != 2 {
		t.Errorf("expected 2 history records, got %d", len(records))
	}
}

func TestDatasetService_ConditionalRequestUnchanged(t *testing.T) {
	var hits int32
	v4 := serveDataset(ipv4Dataset, `"v1"`, &hits)
	defer v4.Close()
	v6 := serveDataset(ipv6Dataset, "", nil)
	defer v6.Close()

	svc, _ := newTestDatasetService(t, v4.URL, v6.URL, nil)

	first := reportFor(t, svc.Refresh(context.Background()), ordinal.V4)
	if first.Outcome != model.OutcomeUpdated {
		t.Fatalf("expected first refresh to update, got %s", first.Outcome)
	}

	second := reportFor(t, svc.Refresh(context.Background()), ordinal.V4)
	if second.Outcome != model.OutcomeUnchanged {
		t.Errorf("expected 304 to be reported unchanged, got %s (%v)", second.Outcome, second.Err)
	}
	if second.Table != nil {
		t.Error("expected no table for unchanged dataset")
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 requests, got %d", atomic.LoadInt32(&hits))
	}

	// the ipv6 server sends no validators, so identical content decides
	third := reportFor(t, svc.Refresh(context.Background()), ordinal.V6)
	if third.Outcome != model.OutcomeUnchanged {
		t.Errorf("expected identical ipv6 content to be unchanged, got %s", third.Outcome)
	}
}

func TestDatasetService_ServerErrorKeepsPreviousFile(t *testing.T) {
	var hits int32
	v4 := failingServer(http.StatusInternalServerError, &hits)
	defer v4.Close()
	v6 := serveDataset(ipv6Dataset, "", nil)
	defer v6.Close()

	svc, cfg := newTestDatasetService(t, v4.URL, v6.URL, nil)
	if err := os.WriteFile(cfg.Datasets[0].Path, []byte(ipv4Dataset), 0o644); err != nil {
		t.Fatal(err)
	}

	reports := svc.Refresh(context.Background())

	r4 := reportFor(t, reports, ordinal.V4)
	if r4.Outcome != model.OutcomeFailed || r4.Err == nil {
		t.Fatalf("expected ipv4 failure, got %s", r4.Outcome)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 attempts, got %d", atomic.LoadInt32(&hits))
	}
	data, _ := os.ReadFile(cfg.Datasets[0].Path)
	if string(data) != ipv4Dataset {
		t.Error("expected previous ipv4 dataset to stay in place")
	}

	if r6 := reportFor(t, reports, ordinal.V6); r6.Outcome != model.OutcomeUpdated {
		t.Errorf("expected ipv6 to update independently, got %s (%v)", r6.Outcome, r6.Err)
	}
}

func TestDatasetService_MalformedDownloadIsRejected(t *testing.T) {
	var hits int32
	v4 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("0,100,US\n50,150,CA\n"))
	}))
	defer v4.Close()
	v6 := serveDataset(ipv6Dataset, "", nil)
	defer v6.Close()

	svc, cfg := newTestDatasetService(t, v4.URL, v6.URL, nil)
	if err := os.WriteFile(cfg.Datasets[0].Path, []byte(ipv4Dataset), 0o644); err != nil {
		t.Fatal(err)
	}

	r4 := reportFor(t, svc.Refresh(context.Background()), ordinal.V4)
	if !errors.Is(r4.Err, ranges.ErrDatasetFormat) {
		t.Fatalf("expected dataset format error, got %v", r4.Err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected malformed data not to be retried, got %d requests", atomic.LoadInt32(&hits))
	}

	data, _ := os.ReadFile(cfg.Datasets[0].Path)
	if string(data) != ipv4Dataset {
		t.Error("expected previous ipv4 dataset to stay in place")
	}
	if _, err := os.Stat(cfg.Datasets[0].Path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be removed")
	}
}

func TestDatasetService_CancelledContext(t *testing.T) {
	var hits int32
	v4 := failingServer(http.StatusBadGateway, &hits)
	defer v4.Close()
	v6 := failingServer(http.StatusBadGateway, &hits)
	defer v6.Close()

	svc, _ := newTestDatasetService(t, v4.URL, v6.URL, nil)
	svc.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	for _, r := range svc.Refresh(ctx) {
		if r.Outcome != model.OutcomeFailed {
			t.Errorf("expected %s to fail, got %s", r.Family, r.Outcome)
		}
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected refresh to stop waiting once the context is done")
	}
}

func TestDatasetService_HistoryFailureIsNotFatal(t *testing.T) {
	v4 := serveDataset(ipv4Dataset, "", nil)
	defer v4.Close()
	v6 := serveDataset(ipv6Dataset, "", nil)
	defer v6.Close()

	var saved int32
	history := &mocks.MockHistoryStore{
		SaveRefreshFunc: func(ctx context.Context, rec model.RefreshRecord) error {
			atomic.AddInt32(&saved, 1)
			return errors.New("database is down")
		},
	}
	svc, _ := newTestDatasetService(t, v4.URL, v6.URL, history)

	for _, r := range svc.Refresh(context.Background()) {
		if r.Outcome != model.OutcomeUpdated {
			t.Errorf("expected %s updated, got %s", r.Family, r.Outcome)
		}
	}
	if atomic.LoadInt32(&saved) != 2 {
		t.Errorf("expected 2 history writes, got %d", atomic.LoadInt32(&saved))
	}
}

func TestDatasetService_ForeignValidatorsAreNotSent(t *testing.T) {
	const fresh = "0,4294967295,DE\n"

	var conditional int32
	v4 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v2"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		w.Write([]byte(fresh))
	}))
	defer v4.Close()
	v6 := serveDataset(ipv6Dataset, "", nil)
	defer v6.Close()

	var saved model.DatasetValidators
	validators := &mocks.MockValidatorStore{
		GetValidatorsFunc: func(ctx context.Context, family string) (model.DatasetValidators, bool, error) {
			// written by a replica holding newer content than the local file
			return model.DatasetValidators{ETag: `"v2"`, Checksum: 12345}, true, nil
		},
		SaveValidatorsFunc: func(ctx context.Context, family string, v model.DatasetValidators) error {
			if family == ordinal.V4.String() {
				saved = v
			}
			return nil
		},
	}

	dir := t.TempDir()
	cfg := &config.Config{
		FetchTimeout: 5 * time.Second,
		FetchRetries: 2,
		RetryDelay:   time.Millisecond,
		Datasets: []config.Dataset{
			{Family: ordinal.V4, URL: v4.URL, Path: filepath.Join(dir, "v4.csv")},
			{Family: ordinal.V6, URL: v6.URL, Path: filepath.Join(dir, "v6.csv")},
		},
	}
	if err := os.WriteFile(cfg.Datasets[0].Path, []byte("0,4294967295,US\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := NewDatasetService(cfg, validators, nil, zap.NewNop())

	r4 := reportFor(t, svc.Refresh(context.Background()), ordinal.V4)
	if r4.Outcome != model.OutcomeUpdated {
		t.Fatalf("expected ipv4 updated, got %s (%v)", r4.Outcome, r4.Err)
	}
	if atomic.LoadInt32(&conditional) != 0 {
		t.Error("expected validators of other content not to be sent")
	}
	if code, _ := r4.Table.Lookup(uint128.From64(134744072)); code != "DE" {
		t.Errorf("expected fresh data, got %q", code)
	}

	data, _ := os.ReadFile(cfg.Datasets[0].Path)
	if string(data) != fresh {
		t.Errorf("expected persisted dataset to be replaced, got %q", data)
	}
	if saved.ETag != `"v2"` || saved.Checksum != r4.Table.Checksum() {
		t.Errorf("expected validators for the new content, got %+v", saved)
	}
}
