package ranges

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"ipcountry/internal/ordinal"
)

// ErrDatasetFormat matches every FormatError.
var ErrDatasetFormat = errors.New("dataset format error")

// FormatError describes a dataset that cannot be turned into a table. Line is
// 1-based, or 0 when the problem spans rows.
type FormatError struct {
	Line int
	Err  error
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("dataset format error: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("dataset format error: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrDatasetFormat }

// New builds a table from ranges, sorting them by start when needed. The
// slice is owned by the table afterwards.
func New(family ordinal.Family, rs []CountryRange) (*Table, error) {
	cmp := func(a, b CountryRange) int { return a.Start.Cmp(b.Start) }
	if !slices.IsSortedFunc(rs, cmp) {
		slices.SortStableFunc(rs, cmp)
	}

	limit := family.Max()
	for i, r := range rs {
		if r.Start.Cmp(r.End) > 0 {
			return nil, &FormatError{Err: fmt.Errorf("range %s-%s: start after end", r.Start, r.End)}
		}
		if r.End.Cmp(limit) > 0 {
			return nil, &FormatError{Err: fmt.Errorf("range %s-%s overflows %s", r.Start, r.End, family)}
		}
		if i > 0 && r.Start.Cmp(rs[i-1].End) <= 0 {
			prev := rs[i-1]
			return nil, &FormatError{Err: fmt.Errorf("range %s-%s (%s) overlaps %s-%s (%s)",
				r.Start, r.End, r.CountryCode, prev.Start, prev.End, prev.CountryCode)}
		}
	}

	return &Table{family: family, ranges: rs, loadedAt: time.Now()}, nil
}

// Load parses a start,end,country_code CSV dataset. Blank lines and lines
// starting with '#' are ignored, as is a leading header row.
func Load(r io.Reader, family ordinal.Family) (*Table, error) {
	digest := xxhash.New()
	cr := csv.NewReader(io.TeeReader(r, digest))
	cr.Comment = '#'
	cr.FieldsPerRecord = 3
	cr.ReuseRecord = true

	var rs []CountryRange
	first := true
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &FormatError{Line: pe.Line, Err: pe.Err}
			}
			return nil, fmt.Errorf("reading dataset: %w", err)
		}
		line, _ := cr.FieldPos(0)

		if first {
			first = false
			if isHeader(record) {
				continue
			}
		}

		row, err := parseRow(record, family)
		if err != nil {
			return nil, &FormatError{Line: line, Err: err}
		}
		rs = append(rs, row)
	}

	t, err := New(family, rs)
	if err != nil {
		return nil, err
	}
	t.checksum = digest.Sum64()
	return t, nil
}

// LoadFile loads the dataset persisted at path.
func LoadFile(path string, family ordinal.Family) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f, family)
}

func isHeader(record []string) bool {
	s := strings.TrimSpace(record[0])
	return s != "" && (s[0] < '0' || s[0] > '9')
}

func parseRow(record []string, family ordinal.Family) (CountryRange, error) {
	start, err := ordinal.Parse(family, strings.TrimSpace(record[0]))
	if err != nil {
		return CountryRange{}, fmt.Errorf("start: %w", err)
	}
	end, err := ordinal.Parse(family, strings.TrimSpace(record[1]))
	if err != nil {
		return CountryRange{}, fmt.Errorf("end: %w", err)
	}
	if start.Cmp(end) > 0 {
		return CountryRange{}, fmt.Errorf("start %s after end %s", start, end)
	}

	code := strings.ToUpper(strings.TrimSpace(record[2]))
	if !isCountryCode(code) {
		return CountryRange{}, fmt.Errorf("invalid country code %q", record[2])
	}

	return CountryRange{Start: start, End: end, CountryCode: code}, nil
}

func isCountryCode(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}

// FileChecksum hashes a persisted dataset the same way Load does.
func FileChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, f); err != nil {
		return 0, err
	}
	return digest.Sum64(), nil
}
