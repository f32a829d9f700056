package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/model-gateway/models"
)

// ErrNotFound is wrapped by repositories when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// CanaryEvaluationRepository stores the rollout decision history
type CanaryEvaluationRepository interface {
	// Insert inserts a new evaluation
	Insert(ctx context.Context, eval *models.CanaryEvaluation) error

	// GetByID retrieves an evaluation by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.CanaryEvaluation, error)

	// GetByFamily retrieves evaluations for a model family, newest first
	GetByFamily(ctx context.Context, family string, limit, offset int) ([]*models.CanaryEvaluation, error)

	// GetByCanaryID retrieves evaluations of one canary endpoint, newest first
	GetByCanaryID(ctx context.Context, canaryID string, limit int) ([]*models.CanaryEvaluation, error)
}

// EndpointStateRepository stores the latest weight and status per endpoint
type EndpointStateRepository interface {
	// Upsert inserts or replaces the state of an endpoint.
	// A state older than the stored one is ignored.
	Upsert(ctx context.Context, state *models.EndpointState) error

	// Delete removes the state of an endpoint
	Delete(ctx context.Context, endpointID string) error

	// List retrieves every stored endpoint state
	List(ctx context.Context) ([]*models.EndpointState, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	CanaryEvaluations CanaryEvaluationRepository
	EndpointStates    EndpointStateRepository
}
