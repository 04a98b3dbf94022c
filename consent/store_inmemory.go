package consent

import (
	"context"
	"slices"
	"sync"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Store = (*InMemoryStore)(nil)

type InMemoryStore struct {
	mu             sync.RWMutex
	authorizations map[string]*Authorization
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{authorizations: map[string]*Authorization{}}
}

func key(userID, clientID string) string {
	return userID + "\x00" + clientID
}

func (s *InMemoryStore) Find(_ context.Context, userID, clientID string) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorizations[key(userID, clientID)]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "[consent.Find] %s/%s", userID, clientID)
	}
	c := *a
	c.Scopes = slices.Clone(a.Scopes)
	return &c, nil
}

func (s *InMemoryStore) Save(_ context.Context, a *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	c.Scopes = slices.Clone(a.Scopes)
	s.authorizations[key(a.UserID, a.ClientID)] = &c
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authorizations, key(userID, clientID))
	return nil
}
