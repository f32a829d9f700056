package postgres

import (
	"context"
	"fmt"

	"github.com/upb/model-gateway/models"
	"github.com/upb/model-gateway/repositories"
	"go.uber.org/zap"
)

// EndpointStateRepository implements the repositories.EndpointStateRepository interface
type EndpointStateRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEndpointStateRepository creates a new endpoint state repository
func NewEndpointStateRepository(db *DB, logger *zap.Logger) repositories.EndpointStateRepository {
	return &EndpointStateRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes the state unless a newer one is already stored.
// Registry versions restart with the process, so recency is decided on updated_at.
func (r *EndpointStateRepository) Upsert(ctx context.Context, state *models.EndpointState) error {
	query := `
		INSERT INTO endpoint_state (
			endpoint_id, family, weight, status, registry_version, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			family = EXCLUDED.family,
			weight = EXCLUDED.weight,
			status = EXCLUDED.status,
			registry_version = EXCLUDED.registry_version,
			updated_at = EXCLUDED.updated_at
		WHERE endpoint_state.updated_at <= EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		state.EndpointID,
		state.Family,
		state.Weight,
		state.Status,
		state.RegistryVersion,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert endpoint state: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		r.logger.Debug("stale endpoint state ignored", zap.String("endpoint_id", state.EndpointID))
	}
	return nil
}

// Delete removes the state of an endpoint
func (r *EndpointStateRepository) Delete(ctx context.Context, endpointID string) error {
	query := `DELETE FROM endpoint_state WHERE endpoint_id = $1`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, endpointID); err != nil {
		return fmt.Errorf("failed to delete endpoint state: %w", err)
	}

	r.logger.Debug("endpoint state deleted", zap.String("endpoint_id", endpointID))
	return nil
}

// List retrieves every stored endpoint state
func (r *EndpointStateRepository) List(ctx context.Context) ([]*models.EndpointState, error) {
	query := `
		SELECT endpoint_id, family, weight, status, registry_version, updated_at
		FROM endpoint_state
		ORDER BY family, endpoint_id
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint states: %w", err)
	}
	defer rows.Close()

	var states []*models.EndpointState
	for rows.Next() {
		state := &models.EndpointState{}
		if err := rows.Scan(
			&state.EndpointID,
			&state.Family,
			&state.Weight,
			&state.Status,
			&state.RegistryVersion,
			&state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoint state rows: %w", err)
	}

	return states, nil
}
