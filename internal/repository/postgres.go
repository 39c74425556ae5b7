package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"ipcountry/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS dataset_refreshes (
    id          BIGSERIAL PRIMARY KEY,
    family      TEXT        NOT NULL,
    outcome     TEXT        NOT NULL,
    reason      TEXT        NOT NULL DEFAULT '',
    row_count   INTEGER     NOT NULL DEFAULT 0,
    duration_ms BIGINT      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresRepository records the outcome of every dataset refresh.
type PostgresRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgresRepository(db *sqlx.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresRepository) SaveRefresh(ctx context.Context, rec model.RefreshRecord) error {
	query := `
        INSERT INTO dataset_refreshes (family, outcome, reason, row_count, duration_ms, created_at)
        VALUES (:family, :outcome, :reason, :row_count, :duration_ms, :created_at)
    `

	_, err := r.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		r.logger.Error("failed to insert refresh record",
			zap.String("family", rec.Family),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err))
	}
	return err
}

func (r *PostgresRepository) RecentRefreshes(ctx context.Context, limit int) ([]model.RefreshRecord, error) {
	query := `
        SELECT id, family, outcome, reason, row_count, duration_ms, created_at
        FROM dataset_refreshes
        ORDER BY id DESC
        LIMIT $1
    `

	records := []model.RefreshRecord{}
	if err := r.db.SelectContext(ctx, &records, query, limit); err != nil {
		r.logger.Error("failed to list refresh records", zap.Error(err))
		return nil, err
	}
	return records, nil
}
