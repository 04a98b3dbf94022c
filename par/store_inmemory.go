package par

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore drops expired requests on the next Save.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: map[string]*Request{}, now: time.Now}
}

func (s *InMemoryStore) Save(_ context.Context, r *Request) error {
	if r == nil || r.ID == "" {
		return errors.New("[par.Save] request id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, existing := range s.requests {
		if existing.Expired(now) {
			delete(s.requests, id)
		}
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *InMemoryStore) Take(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "[par.Take] request")
	}
	delete(s.requests, id)
	return r, nil
}
