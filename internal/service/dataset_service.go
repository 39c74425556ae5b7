package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"ipcountry/internal/config"
	"ipcountry/internal/model"
	"ipcountry/internal/ordinal"
	"ipcountry/internal/ranges"
)

type ValidatorStore interface {
	GetValidators(ctx context.Context, family string) (model.DatasetValidators, bool, error)
	SaveValidators(ctx context.Context, family string, v model.DatasetValidators) error
}

type HistoryStore interface {
	SaveRefresh(ctx context.Context, rec model.RefreshRecord) error
	RecentRefreshes(ctx context.Context, limit int) ([]model.RefreshRecord, error)
}

// FamilyReport is the refresh result for one address family. Table is set
// only when Outcome is updated.
type FamilyReport struct {
	Family   ordinal.Family
	Outcome  model.RefreshOutcome
	Err      error
	Table    *ranges.Table
	Duration time.Duration
}

type DatasetService struct {
	datasets   []config.Dataset
	validators ValidatorStore
	history    HistoryStore
	logger     *zap.Logger
	client     *http.Client
	retries    int
	retryDelay time.Duration
}

func NewDatasetService(cfg *config.Config, validators ValidatorStore, history HistoryStore, logger *zap.Logger) *DatasetService {
	return &DatasetService{
		datasets:   cfg.Datasets,
		validators: validators,
		history:    history,
		logger:     logger,
		retries:    cfg.FetchRetries,
		retryDelay: cfg.RetryDelay,
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				MaxIdleConns:      10,
				IdleConnTimeout:   90 * time.Second,
				MaxConnsPerHost:   10,
				ForceAttemptHTTP2: true,
			},
		},
	}
}

// Refresh fetches every configured dataset concurrently. A failure for one
// family never affects the others.
func (s *DatasetService) Refresh(ctx context.Context) []FamilyReport {
	reports := make([]FamilyReport, len(s.datasets))

	var wg sync.WaitGroup
	for i, ds := range s.datasets {
		wg.Add(1)
		go func(i int, ds config.Dataset) {
			defer wg.Done()
			reports[i] = s.refreshDataset(ctx, ds)
		}(i, ds)
	}
	wg.Wait()

	for _, r := range reports {
		s.record(ctx, r)
	}
	return reports
}

func (s *DatasetService) refreshDataset(ctx context.Context, ds config.Dataset) FamilyReport {
	startTime := time.Now()
	report := FamilyReport{Family: ds.Family}

	table, outcome, err := s.fetchDataset(ctx, ds)
	report.Duration = time.Since(startTime)
	if err != nil {
		report.Outcome = model.OutcomeFailed
		report.Err = err
		s.logger.Error("dataset refresh failed",
			zap.String("family", ds.Family.String()),
			zap.String("url", ds.URL),
			zap.Duration("duration", report.Duration),
			zap.Error(err))
		return report
	}

	report.Outcome = outcome
	report.Table = table

	fields := []zap.Field{
		zap.String("family", ds.Family.String()),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", report.Duration),
	}
	if table != nil {
		fields = append(fields, zap.Int("ranges", table.Len()))
	}
	s.logger.Info("dataset refreshed", fields...)

	return report
}

func (s *DatasetService) fetchDataset(ctx context.Context, ds config.Dataset) (*ranges.Table, model.RefreshOutcome, error) {
	var lastErr error

	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * s.retryDelay
			select {
			case <-ctx.Done():
				return nil, model.OutcomeFailed, fmt.Errorf("fetch cancelled: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		table, outcome, err := s.fetchOnce(ctx, ds)
		if err == nil {
			return table, outcome, nil
		}

		lastErr = err
		if errors.Is(err, ranges.ErrDatasetFormat) {
			// a malformed body will not get better by asking again
			return nil, model.OutcomeFailed, err
		}

		s.logger.Warn("Failed to fetch dataset, retrying...",
			zap.String("url", ds.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, model.OutcomeFailed, fmt.Errorf("failed after %d attempts: %w", s.retries, lastErr)
}

func (s *DatasetService) fetchOnce(ctx context.Context, ds config.Dataset) (*ranges.Table, model.RefreshOutcome, error) {
	family := ds.Family.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ds.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "ipcountry/1.0")

	localSum, sumErr := ranges.FileChecksum(ds.Path)
	persisted := sumErr == nil
	if persisted {
		v, ok, err := s.validators.GetValidators(ctx, family)
		if err != nil {
			s.logger.Warn("ignoring dataset validators", zap.String("family", family), zap.Error(err))
		}
		// validators may come from another replica; they only apply to the same content
		if ok && v.Checksum != localSum {
			s.logger.Info("stored validators describe a different dataset, fetching unconditionally",
				zap.String("family", family))
			ok = false
		}
		if ok {
			if v.ETag != "" {
				req.Header.Set("If-None-Match", v.ETag)
			}
			if v.LastModified != "" {
				req.Header.Set("If-Modified-Since", v.LastModified)
			}
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && persisted {
		return nil, model.OutcomeUnchanged, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	tmpPath := ds.Path + ".tmp"
	if err := writeFile(tmpPath, resp.Body); err != nil {
		os.Remove(tmpPath)
		return nil, "", fmt.Errorf("persisting dataset: %w", err)
	}

	table, err := ranges.LoadFile(tmpPath, ds.Family)
	if err != nil {
		os.Remove(tmpPath)
		return nil, "", err
	}

	validators := model.DatasetValidators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Checksum:     table.Checksum(),
		FetchedAt:    time.Now().UTC(),
	}

	outcome := model.OutcomeUpdated
	if persisted && localSum == table.Checksum() {
		os.Remove(tmpPath)
		outcome = model.OutcomeUnchanged
		table = nil
	} else if err := os.Rename(tmpPath, ds.Path); err != nil {
		os.Remove(tmpPath)
		return nil, "", fmt.Errorf("replacing dataset: %w", err)
	}

	if err := s.validators.SaveValidators(ctx, family, validators); err != nil {
		s.logger.Warn("failed to store dataset validators", zap.String("family", family), zap.Error(err))
	}

	return table, outcome, nil
}

func (s *DatasetService) record(ctx context.Context, r FamilyReport) {
	if s.history == nil {
		return
	}

	rec := model.RefreshRecord{
		Family:     r.Family.String(),
		Outcome:    r.Outcome,
		DurationMs: r.Duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if r.Err != nil {
		rec.Reason = r.Err.Error()
	}
	if r.Table != nil {
		rec.Rows = r.Table.Len()
	}

	if err := s.history.SaveRefresh(ctx, rec); err != nil {
		s.logger.Warn("failed to record dataset refresh",
			zap.String("family", rec.Family),
			zap.Error(err))
	}
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
