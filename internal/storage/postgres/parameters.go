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

const parameterColumns = `id, coalesce(provider, ''), scenario_duration, contingencies_start_time, contingency_list_ids::text[]`

// ParametersRepository stores analysis parameter sets.
type ParametersRepository struct {
	pool *pgxpool.Pool
}

func NewParametersRepository(pool *pgxpool.Pool) *ParametersRepository {
	return &ParametersRepository{pool: pool}
}

// Create stores set under a new id and returns it.
func (r *ParametersRepository) Create(ctx context.Context, set domain.ParameterSet) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dynamic_security_analysis_parameters
		 (id, provider, scenario_duration, contingencies_start_time, contingency_list_ids)
		 VALUES ($1, $2, $3, $4, $5::uuid[])`,
		id, nullIfEmpty(set.Provider), set.ScenarioDuration, set.ContingenciesStartTime, uuidStrings(set.ContingencyListIDs))
	if err != nil {
		return uuid.Nil, fmt.Errorf("create parameters: %w", err)
	}
	return id, nil
}

// Get returns a parameter set or a ParametersNotFound error.
func (r *ParametersRepository) Get(ctx context.Context, id uuid.UUID) (*domain.ParameterSet, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+parameterColumns+` FROM dynamic_security_analysis_parameters WHERE id = $1`, id)
	set, err := scanParameterSet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ParametersNotFound(id.String())
		}
		return nil, fmt.Errorf("get parameters %s: %w", id, err)
	}
	return &set, nil
}

// List returns every parameter set, oldest first.
func (r *ParametersRepository) List(ctx context.Context) ([]domain.ParameterSet, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+parameterColumns+` FROM dynamic_security_analysis_parameters ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close()

	sets := []domain.ParameterSet{}
	for rows.Next() {
		set, err := scanParameterSet(rows)
		if err != nil {
			return nil, fmt.Errorf("list parameters: %w", err)
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

// Update replaces the stored values of set.ID.
func (r *ParametersRepository) Update(ctx context.Context, set domain.ParameterSet) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE dynamic_security_analysis_parameters
		 SET provider = $2, scenario_duration = $3, contingencies_start_time = $4,
		     contingency_list_ids = $5::uuid[], updated_at = now()
		 WHERE id = $1`,
		set.ID, nullIfEmpty(set.Provider), set.ScenarioDuration, set.ContingenciesStartTime, uuidStrings(set.ContingencyListIDs))
	if err != nil {
		return fmt.Errorf("update parameters %s: %w", set.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ParametersNotFound(set.ID.String())
	}
	return nil
}

// Delete removes a parameter set.
func (r *ParametersRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dynamic_security_analysis_parameters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete parameters %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ParametersNotFound(id.String())
	}
	return nil
}

func scanParameterSet(row scannable) (domain.ParameterSet, error) {
	var (
		set domain.ParameterSet
		ids []string
	)
	if err := row.Scan(&set.ID, &set.Provider, &set.ScenarioDuration, &set.ContingenciesStartTime, &ids); err != nil {
		return set, err
	}
	parsed, err := parseUUIDs(ids)
	if err != nil {
		return set, err
	}
	set.ContingencyListIDs = parsed
	return set, nil
}
