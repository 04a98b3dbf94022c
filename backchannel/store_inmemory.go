package backchannel

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Store = (*InMemoryStore)(nil)

type InMemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*Request
	userCodes map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:  map[string]*Request{},
		userCodes: map[string]string{},
	}
}

func (s *InMemoryStore) Save(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r.Clone()
	if r.UserCode != "" {
		s.userCodes[r.UserCode] = r.ID
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "[backchannel.Get] request")
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) FindByUserCode(ctx context.Context, userCode string) (*Request, error) {
	s.mu.RLock()
	id, ok := s.userCodes[userCode]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "[backchannel.FindByUserCode] user code")
	}
	return s.Get(ctx, id)
}

func (s *InMemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	delete(s.requests, id)
	if r.UserCode != "" {
		delete(s.userCodes, r.UserCode)
	}
	return true, nil
}
