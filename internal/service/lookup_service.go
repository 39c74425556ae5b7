package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ipcountry/internal/config"
	"ipcountry/internal/model"
	"ipcountry/internal/ordinal"
	"ipcountry/internal/ranges"
)

type Refresher interface {
	Refresh(ctx context.Context) []FamilyReport
}

// familyTables holds the published table of one family. Readers load the
// pointer once per lookup, so a swap is never observed half way.
type familyTables struct {
	path       string
	table      atomic.Pointer[ranges.Table]
	generation atomic.Uint64
}

func (f *familyTables) publish(t *ranges.Table) {
	f.table.Store(t)
	f.generation.Add(1)
}

type LookupService struct {
	refresher Refresher
	families  map[ordinal.Family]*familyTables
	interval  time.Duration
	logger    *zap.Logger
	updateMux sync.Mutex
}

func NewLookupService(cfg *config.Config, refresher Refresher, logger *zap.Logger) *LookupService {
	s := &LookupService{
		refresher: refresher,
		families:  make(map[ordinal.Family]*familyTables, len(cfg.Datasets)),
		interval:  cfg.RefreshInterval,
		logger:    logger,
	}
	for _, ds := range cfg.Datasets {
		ft := &familyTables{path: ds.Path}
		ft.table.Store(ranges.Empty(ds.Family))
		s.families[ds.Family] = ft
	}
	return s
}

// Start performs the initial refresh and, when an interval is configured,
// keeps refreshing until ctx is done.
func (s *LookupService) Start(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial dataset refresh incomplete, serving persisted data where available", zap.Error(err))
	}

	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil {
					s.logger.Error("scheduled dataset refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Refresh fetches fresh datasets and publishes a new table for every family
// that changed. Families whose fetch failed fall back to their persisted file.
func (s *LookupService) Refresh(ctx context.Context) error {
	s.updateMux.Lock()
	defer s.updateMux.Unlock()

	var errs error
	for _, report := range s.refresher.Refresh(ctx) {
		ft, ok := s.families[report.Family]
		if !ok {
			continue
		}

		switch report.Outcome {
		case model.OutcomeUpdated:
			ft.publish(report.Table)
			s.logger.Info("published range table",
				zap.String("family", report.Family.String()),
				zap.Int("ranges", report.Table.Len()),
				zap.Uint64("generation", ft.generation.Load()))
		case model.OutcomeFailed:
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", report.Family, report.Err))
			if err := s.reload(report.Family, ft); err != nil {
				errs = multierr.Append(errs, err)
			}
		default:
			if err := s.reload(report.Family, ft); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// Reload rebuilds the table of family from its persisted dataset.
func (s *LookupService) Reload(family ordinal.Family) error {
	s.updateMux.Lock()
	defer s.updateMux.Unlock()

	ft, ok := s.families[family]
	if !ok {
		return fmt.Errorf("no dataset configured for %s", family)
	}
	return s.reload(family, ft)
}

func (s *LookupService) reload(family ordinal.Family, ft *familyTables) error {
	current := ft.table.Load()

	sum, err := ranges.FileChecksum(ft.path)
	if errors.Is(err, fs.ErrNotExist) {
		if current.Len() == 0 {
			s.logger.Warn("no persisted dataset, lookups will not match",
				zap.String("family", family.String()),
				zap.String("path", ft.path))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: reading dataset: %w", family, err)
	}
	if current.Len() > 0 && sum == current.Checksum() {
		return nil
	}

	table, err := ranges.LoadFile(ft.path, family)
	if errors.Is(err, ranges.ErrDatasetFormat) {
		ft.publish(ranges.Empty(family))
		s.logger.Error("persisted dataset is malformed, serving empty results",
			zap.String("family", family.String()),
			zap.String("path", ft.path),
			zap.Error(err))
		return fmt.Errorf("%s: %w", family, err)
	}
	if err != nil {
		return fmt.Errorf("%s: loading dataset: %w", family, err)
	}

	ft.publish(table)
	s.logger.Info("loaded persisted range table",
		zap.String("family", family.String()),
		zap.String("path", ft.path),
		zap.Int("ranges", table.Len()),
		zap.Uint64("generation", ft.generation.Load()))
	return nil
}

// Lookup resolves addr against the current table of its family. It never
// blocks and never fails; a miss leaves CountryCode empty.
func (s *LookupService) Lookup(addr netip.Addr) model.LookupResult {
	family, ord := ordinal.FromAddr(addr)

	result := model.LookupResult{
		Address: addr.String(),
		Ordinal: ord.String(),
		Family:  family,
	}

	if ft, ok := s.families[family]; ok {
		if code, found := ft.table.Load().Lookup(ord); found {
			result.CountryCode = code
		}
	}
	result.IsEUMember = IsEUMember(result.CountryCode)

	return result
}

func (s *LookupService) Status() []model.TableStatus {
	out := make([]model.TableStatus, 0, len(s.families))
	for _, family := range []ordinal.Family{ordinal.V4, ordinal.V6} {
		ft, ok := s.families[family]
		if !ok {
			continue
		}
		t := ft.table.Load()
		st := model.TableStatus{
			Family:     family.String(),
			Rows:       t.Len(),
			Generation: ft.generation.Load(),
		}
		if t.Len() > 0 {
			st.Checksum = strconv.FormatUint(t.Checksum(), 16)
			loadedAt := t.LoadedAt()
			st.LoadedAt = &loadedAt
		}
		out = append(out, st)
	}
	return out
}
