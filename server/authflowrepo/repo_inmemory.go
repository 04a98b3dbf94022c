package authflowrepo

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface.
// Flows older than the lifetime are treated as missing and dropped on the next write.
type InMemoryRepo struct {
	mu       sync.RWMutex
	states   map[string]*AuthFlowState
	lifetime time.Duration
	now      func() time.Time
}

type InMemoryOption func(*InMemoryRepo)

func WithLifetime(d time.Duration) InMemoryOption {
	return func(r *InMemoryRepo) {
		r.lifetime = d
	}
}

func WithNowFunc(now func() time.Time) InMemoryOption {
	return func(r *InMemoryRepo) {
		r.now = now
	}
}

// NewInMemoryRepo creates a new in-memory auth flow state repository
func NewInMemoryRepo(options ...InMemoryOption) *InMemoryRepo {
	r := &InMemoryRepo{
		states:   make(map[string]*AuthFlowState),
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Upsert stores or updates an auth flow state
func (r *InMemoryRepo) Upsert(_ context.Context, flowID string, state *AuthFlowState) error {
	if flowID == "" {
		return errors.New("[InMemoryRepo.Upsert] flow id cannot be empty")
	}
	if state == nil {
		return errors.New("[InMemoryRepo.Upsert] state cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()
	r.states[flowID] = clone(state)
	return nil
}

// Get retrieves an auth flow state by its flow id
func (r *InMemoryRepo) Get(_ context.Context, flowID string) (*AuthFlowState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[flowID]
	if !ok || r.expired(state) {
		return nil, errors.Wrapf(errors.ErrNotFound, "[InMemoryRepo.Get] flow %s", flowID)
	}
	return clone(state), nil
}

func (r *InMemoryRepo) Delete(_ context.Context, flowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.states, flowID)
	return nil
}

func (r *InMemoryRepo) expired(state *AuthFlowState) bool {
	return r.now().Sub(state.CreatedAt) > r.lifetime
}

func (r *InMemoryRepo) evictLocked() {
	for id, state := range r.states {
		if r.expired(state) {
			delete(r.states, id)
		}
	}
}
