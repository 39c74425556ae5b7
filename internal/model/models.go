package model

import (
	"time"

	"ipcountry/internal/ordinal"
)

type LookupResult struct {
	Address     string
	Ordinal     string
	Family      ordinal.Family
	CountryCode string
	IsEUMember  bool
}

type RefreshOutcome string

const (
	OutcomeUpdated   RefreshOutcome = "updated"
	OutcomeUnchanged RefreshOutcome = "unchanged"
	OutcomeFailed    RefreshOutcome = "failed"
)

// DatasetValidators identify the copy of a dataset that is persisted locally.
type DatasetValidators struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Checksum     uint64    `json:"checksum"`
	FetchedAt    time.Time `json:"fetched_at"`
}

type RefreshRecord struct {
	ID         int64          `db:"id" json:"id"`
	Family     string         `db:"family" json:"family"`
	Outcome    RefreshOutcome `db:"outcome" json:"outcome"`
	Reason     string         `db:"reason" json:"reason,omitempty"`
	Rows       int            `db:"row_count" json:"rows"`
	DurationMs int64          `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

type TableStatus struct {
	Family     string     `json:"family"`
	Rows       int        `json:"rows"`
	Checksum   string     `json:"checksum,omitempty"`
	LoadedAt   *time.Time `json:"loaded_at,omitempty"`
	Generation uint64     `json:"generation"`
}

type Error struct {
	Message string `json:"message"`
}
