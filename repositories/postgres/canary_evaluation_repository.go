package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/model-gateway/models"
	"github.com/upb/model-gateway/repositories"
	"go.uber.org/zap"
)

const canaryEvaluationColumns = `id, family, canary_id, baseline_id, verdict, reasons,
		       canary_window, baseline_window, applied, evaluated_at`

// CanaryEvaluationRepository implements the repositories.CanaryEvaluationRepository interface
type CanaryEvaluationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCanaryEvaluationRepository creates a new canary evaluation repository
func NewCanaryEvaluationRepository(db *DB, logger *zap.Logger) repositories.CanaryEvaluationRepository {
	return &CanaryEvaluationRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new evaluation
func (r *CanaryEvaluationRepository) Insert(ctx context.Context, eval *models.CanaryEvaluation) error {
	query := `
		INSERT INTO canary_evaluations (
			id, family, canary_id, baseline_id, verdict, reasons,
			canary_window, baseline_window, applied, evaluated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		eval.ID,
		eval.Family,
		eval.CanaryID,
		eval.BaselineID,
		eval.Verdict,
		eval.Reasons,
		eval.CanaryWindow,
		eval.BaselineWindow,
		eval.Applied,
		eval.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert canary evaluation: %w", err)
	}

	r.logger.Debug("canary evaluation inserted",
		zap.String("id", eval.ID.String()),
		zap.String("canary_id", eval.CanaryID),
		zap.String("verdict", eval.Verdict))
	return nil
}

// GetByID retrieves an evaluation by ID
func (r *CanaryEvaluationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CanaryEvaluation, error) {
	query := `SELECT ` + canaryEvaluationColumns + `
		FROM canary_evaluations
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	eval, err := scanCanaryEvaluation(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("canary evaluation %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get canary evaluation: %w", err)
	}
	return eval, nil
}

// GetByFamily retrieves evaluations for a model family with pagination
func (r *CanaryEvaluationRepository) GetByFamily(ctx context.Context, family string, limit, offset int) ([]*models.CanaryEvaluation, error) {
	query := `SELECT ` + canaryEvaluationColumns + `
		FROM canary_evaluations
		WHERE family = $1
		ORDER BY evaluated_at DESC
		LIMIT $2 OFFSET $3
	`

	return r.queryEvaluations(ctx, query, family, limit, offset)
}

// GetByCanaryID retrieves the most recent evaluations of one canary
func (r *CanaryEvaluationRepository) GetByCanaryID(ctx context.Context, canaryID string, limit int) ([]*models.CanaryEvaluation, error) {
	query := `SELECT ` + canaryEvaluationColumns + `
		FROM canary_evaluations
		WHERE canary_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`

	return r.queryEvaluations(ctx, query, canaryID, limit)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCanaryEvaluation(row rowScanner) (*models.CanaryEvaluation, error) {
	eval := &models.CanaryEvaluation{}
	err := row.Scan(
		&eval.ID,
		&eval.Family,
		&eval.CanaryID,
		&eval.BaselineID,
		&eval.Verdict,
		&eval.Reasons,
		&eval.CanaryWindow,
		&eval.BaselineWindow,
		&eval.Applied,
		&eval.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// queryEvaluations is a helper method to query multiple evaluations
func (r *CanaryEvaluationRepository) queryEvaluations(ctx context.Context, query string, args ...interface{}) ([]*models.CanaryEvaluation, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query canary evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*models.CanaryEvaluation
	for rows.Next() {
		eval, err := scanCanaryEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan canary evaluation: %w", err)
		}
		evals = append(evals, eval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating canary evaluation rows: %w", err)
	}

	return evals, nil
}
