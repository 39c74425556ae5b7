// Package ranges holds immutable, sorted tables of address ranges mapped to
// country codes, and the loader that builds them from CSV datasets.
package ranges

import (
	"sort"
	"time"

	"ipcountry/internal/ordinal"
)

// CountryRange maps the inclusive interval [Start, End] to a country code.
type CountryRange struct {
	Start       ordinal.Ordinal
	End         ordinal.Ordinal
	CountryCode string
}

func (r CountryRange) Contains(o ordinal.Ordinal) bool {
	return r.Start.Cmp(o) <= 0 && o.Cmp(r.End) <= 0
}

// Table is a read-only set of disjoint ranges for one address family, sorted
// by start. It is safe for concurrent use.
type Table struct {
	family   ordinal.Family
	ranges   []CountryRange
	checksum uint64
	loadedAt time.Time
}

// Empty returns a table that never matches.
func Empty(family ordinal.Family) *Table {
	return &Table{family: family}
}

func (t *Table) Family() ordinal.Family { return t.family }

func (t *Table) Len() int { return len(t.ranges) }

// Checksum is the xxhash64 of the raw dataset the table was built from, or 0
// for an empty table.
func (t *Table) Checksum() uint64 { return t.checksum }

func (t *Table) LoadedAt() time.Time { return t.loadedAt }

// Lookup returns the country code of the range containing o.
func (t *Table) Lookup(o ordinal.Ordinal) (string, bool) {
	// first range starting after o; the candidate is the one before it
	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].Start.Cmp(o) > 0
	})
	if i == 0 {
		return "", false
	}
	r := t.ranges[i-1]
	if o.Cmp(r.End) > 0 {
		return "", false
	}
	return r.CountryCode, true
}
