package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
)

// ResultRepository stores one status row per analysis result.
type ResultRepository struct {
	pool *pgxpool.Pool
}

func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// Insert creates the row of a new result.
func (r *ResultRepository) Insert(ctx context.Context, id uuid.UUID, status domain.Status) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dynamic_security_analysis_result (result_uuid, status) VALUES ($1, $2)`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("insert result %s: %w", id, err)
	}
	return nil
}

// SaveStatus records the final status of a run. A deleted row is created
// again; an existing row is only overwritten while it is RUNNING.
func (r *ResultRepository) SaveStatus(ctx context.Context, id uuid.UUID, status domain.Status) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dynamic_security_analysis_result (result_uuid, status) VALUES ($1, $2)
		 ON CONFLICT (result_uuid) DO UPDATE SET status = EXCLUDED.status, updated_at = now()
		 WHERE dynamic_security_analysis_result.status = $3`,
		id, string(status), string(domain.StatusRunning))
	if err != nil {
		return fmt.Errorf("save status %s: %w", id, err)
	}
	return nil
}

// CompleteStatus moves a RUNNING result to status. It reports false when the
// row is gone or was settled meanwhile, e.g. invalidated to NOT_DONE.
func (r *ResultRepository) CompleteStatus(ctx context.Context, id uuid.UUID, status domain.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE dynamic_security_analysis_result SET status = $2, updated_at = now()
		 WHERE result_uuid = $1 AND status = $3`,
		id, string(status), string(domain.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("complete status %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus sets status on the existing rows among ids and returns the
// ids that were updated.
func (r *ResultRepository) UpdateStatus(ctx context.Context, ids []uuid.UUID, status domain.Status) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE dynamic_security_analysis_result SET status = $2, updated_at = now()
		 WHERE result_uuid = ANY($1::uuid[]) RETURNING result_uuid`,
		uuidStrings(ids), string(status))
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	updated, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	return updated, nil
}

// FindStatus returns the status of a result, or a ResultNotFound error.
func (r *ResultRepository) FindStatus(ctx context.Context, id uuid.UUID) (domain.Status, error) {
	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM dynamic_security_analysis_result WHERE result_uuid = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ResultNotFound(id.String())
		}
		return "", fmt.Errorf("find status %s: %w", id, err)
	}
	return domain.ParseStatus(raw)
}

// UpsertDebugLocation records where the debug archive of a result lives. A
// missing row is created as NOT_DONE.
func (r *ResultRepository) UpsertDebugLocation(ctx context.Context, id uuid.UUID, location string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dynamic_security_analysis_result (result_uuid, status, debug_file_location) VALUES ($1, $2, $3)
		 ON CONFLICT (result_uuid) DO UPDATE SET debug_file_location = EXCLUDED.debug_file_location, updated_at = now()`,
		id, string(domain.StatusNotDone), location)
	if err != nil {
		return fmt.Errorf("upsert debug location %s: %w", id, err)
	}
	return nil
}

// DebugLocation returns the debug archive location of a result. A missing
// row or an empty location is a ResultNotFound error.
func (r *ResultRepository) DebugLocation(ctx context.Context, id uuid.UUID) (string, error) {
	var location *string
	err := r.pool.QueryRow(ctx,
		`SELECT debug_file_location FROM dynamic_security_analysis_result WHERE result_uuid = $1`, id).Scan(&location)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("find debug location %s: %w", id, err)
	}
	if location == nil || *location == "" {
		return "", apperrors.ResultNotFound(id.String())
	}
	return *location, nil
}

// Delete removes a result row. Deleting an unknown result is not an error.
func (r *ResultRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM dynamic_security_analysis_result WHERE result_uuid = $1`, id); err != nil {
		return fmt.Errorf("delete result %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes the listed rows, or every row when ids is empty, and
// returns how many were deleted.
func (r *ResultRepository) DeleteAll(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var (
		query = `DELETE FROM dynamic_security_analysis_result`
		args  []any
	)
	if len(ids) > 0 {
		query += ` WHERE result_uuid = ANY($1::uuid[])`
		args = append(args, uuidStrings(ids))
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored results.
func (r *ResultRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM dynamic_security_analysis_result`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (r *ResultRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
