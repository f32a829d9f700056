// Package journal persists rollout history: every canary evaluation and the
// last known weight and status of each endpoint. Writes are queued and
// handled by background workers so dispatch and evaluation never wait on
// the database.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/model-gateway/internal/registry"
	"github.com/upb/model-gateway/models"
	"github.com/upb/model-gateway/repositories"
	"github.com/upb/model-gateway/services/canary"
	"go.uber.org/zap"
)

// Event is one pending journal write. Exactly one field is set.
type Event struct {
	Evaluation *models.CanaryEvaluation
	// States are endpoint snapshots written in the same transaction as Evaluation.
	States    []*models.EndpointState
	State     *models.EndpointState
	DeletedID string
}

func (e *Event) describe() []zap.Field {
	switch {
	case e.Evaluation != nil:
		return []zap.Field{zap.String("event", "evaluation"), zap.String("canary_id", e.Evaluation.CanaryID)}
	case e.State != nil:
		return []zap.Field{zap.String("event", "endpoint_state"), zap.String("endpoint_id", e.State.EndpointID)}
	default:
		return []zap.Field{zap.String("event", "endpoint_removed"), zap.String("endpoint_id", e.DeletedID)}
	}
}

// EndpointSource resolves endpoints for state snapshots
type EndpointSource interface {
	Get(id string) (registry.ModelEndpoint, error)
}

// Service handles asynchronous journal writes
type Service struct {
	repos       *repositories.Repositories
	txm         repositories.TransactionManager
	endpoints   EndpointSource
	logger      *zap.Logger
	eventChan   chan *Event
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.RWMutex
	now         func() time.Time
}

// Config holds configuration for the journal Service
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 2,
	}
}

// NewService creates a new journal Service
func NewService(repos *repositories.Repositories, txm repositories.TransactionManager, endpoints EndpointSource, logger *zap.Logger, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		repos:       repos,
		txm:         txm,
		endpoints:   endpoints,
		logger:      logger,
		eventChan:   make(chan *Event, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("journal already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started rollout journal",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop drains pending events and stops the workers
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("journal not running")
	}
	s.stopped = true
	s.logger.Info("stopping rollout journal", zap.Int("pending_events", len(s.eventChan)))
	close(s.eventChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("rollout journal stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("journal stop timeout after %v", timeout)
	}
}

// Enqueue queues an event without blocking. Events are dropped with a
// warning when the buffer is full.
func (s *Service) Enqueue(event *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return fmt.Errorf("journal not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.logger.Warn("journal buffer full, dropping event", event.describe()...)
		return fmt.Errorf("journal buffer full")
	}
}

// RecordEvaluation implements canary.Recorder
func (s *Service) RecordEvaluation(ctx context.Context, eval *canary.Evaluation) {
	rec := models.NewCanaryEvaluation(eval.Family, eval.CanaryID, eval.BaselineID, string(eval.Verdict)).
		WithReasons(eval.Reasons).
		WithWindows(eval.CanaryWindow, eval.BaselineWindow)
	if id, err := uuid.Parse(eval.ID); err == nil {
		rec.ID = id
	}
	rec.Applied = eval.Applied
	if !eval.EvaluatedAt.IsZero() {
		rec.EvaluatedAt = eval.EvaluatedAt.UTC()
	}

	event := &Event{Evaluation: rec}
	if eval.Applied && s.endpoints != nil {
		for _, id := range []string{eval.CanaryID, eval.BaselineID} {
			ep, err := s.endpoints.Get(id)
			if err != nil {
				continue
			}
			event.States = append(event.States, s.stateOf(ep, 0))
		}
	}

	if err := s.Enqueue(event); err != nil {
		s.logger.Warn("evaluation not journaled",
			zap.String("evaluation_id", eval.ID),
			zap.Error(err))
	}
}

// OnRegistryEvent implements registry.Observer. The state is stamped here,
// at commit time, so late writes from slower workers lose to newer ones.
func (s *Service) OnRegistryEvent(ev registry.Event) {
	event := &Event{}
	if ev.Type == registry.EventRemoved {
		event.DeletedID = ev.Endpoint.ID
	} else {
		event.State = s.stateOf(ev.Endpoint, ev.Version)
	}
	if err := s.Enqueue(event); err != nil {
		s.logger.Debug("registry event not journaled",
			zap.String("endpoint_id", ev.Endpoint.ID),
			zap.Error(err))
	}
}

func (s *Service) stateOf(ep registry.ModelEndpoint, version uint64) *models.EndpointState {
	st := models.NewEndpointState(ep.ID, ep.Family, ep.Weight, string(ep.Status), int64(version))
	st.UpdatedAt = s.now()
	return st
}

// worker processes events from the channel
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("journal worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			fields := append([]zap.Field{zap.Int("worker_id", id), zap.Error(err)}, event.describe()...)
			s.logger.Error("failed to process journal event", fields...)
		}
	}

	s.logger.Debug("journal worker stopped", zap.Int("worker_id", id))
}

// processEvent writes a single event
func (s *Service) processEvent(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case event.Evaluation != nil:
		return s.txm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
			if err := s.repos.CanaryEvaluations.Insert(ctx, event.Evaluation); err != nil {
				return err
			}
			for _, st := range event.States {
				if err := s.repos.EndpointStates.Upsert(ctx, st); err != nil {
					return err
				}
			}
			return nil
		})
	case event.State != nil:
		return s.repos.EndpointStates.Upsert(ctx, event.State)
	case event.DeletedID != "":
		return s.repos.EndpointStates.Delete(ctx, event.DeletedID)
	}
	return nil
}

// Restorable is the part of the registry Restore writes to
type Restorable interface {
	Get(id string) (registry.ModelEndpoint, error)
	Apply(changes ...registry.Change) error
}

// Restore re-applies persisted weights and statuses in one atomic write.
// Stored endpoints that are no longer configured are skipped.
func (s *Service) Restore(ctx context.Context, reg Restorable) (int, error) {
	states, err := s.repos.EndpointStates.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load endpoint states: %w", err)
	}

	var changes []registry.Change
	for _, st := range states {
		ep, err := reg.Get(st.EndpointID)
		if err != nil {
			s.logger.Info("skipping state of unknown endpoint", zap.String("endpoint_id", st.EndpointID))
			continue
		}
		status := registry.Status(st.Status)
		if !status.Valid() || ep.Family != st.Family {
			s.logger.Warn("skipping inconsistent endpoint state",
				zap.String("endpoint_id", st.EndpointID),
				zap.String("status", st.Status),
				zap.String("family", st.Family))
			continue
		}
		weight := st.Weight
		changes = append(changes, registry.Change{ID: st.EndpointID, Weight: &weight, Status: &status})
	}

	if len(changes) == 0 {
		return 0, nil
	}
	if err := reg.Apply(changes...); err != nil {
		return 0, fmt.Errorf("failed to restore endpoint states: %w", err)
	}

	s.logger.Info("restored endpoint states", zap.Int("count", len(changes)))
	return len(changes), nil
}

// History returns recent evaluations of a family, newest first
func (s *Service) History(ctx context.Context, family string, limit, offset int) ([]*models.CanaryEvaluation, error) {
	return s.repos.CanaryEvaluations.GetByFamily(ctx, family, limit, offset)
}

// GetStats returns statistics about the journal
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents journal statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}
