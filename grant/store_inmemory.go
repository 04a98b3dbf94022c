package grant

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps grants in process memory. Grants are cloned on the way in and out.
type InMemoryStore struct {
	mu         sync.RWMutex
	grants     map[string]*Grant
	indexes    map[IndexKind]map[string]string // kind -> token value -> grant id
	assertions map[string]time.Time
	now        func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	indexes := make(map[IndexKind]map[string]string, len(indexKinds))
	for _, kind := range indexKinds {
		indexes[kind] = make(map[string]string)
	}
	return &InMemoryStore{
		grants:     make(map[string]*Grant),
		indexes:    indexes,
		assertions: make(map[string]time.Time),
		now:        time.Now,
	}
}

func (s *InMemoryStore) Save(_ context.Context, g *Grant) error {
	if g == nil || g.ID == "" {
		return errors.New("[InMemoryStore.Save] grant id is required")
	}
	if g.Variant == nil {
		return errors.New("[InMemoryStore.Save] grant variant is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.grants[g.ID]; ok {
		s.unindexLocked(previous)
	}
	stored := g.Clone()
	s.grants[g.ID] = stored
	for kind, values := range stored.TokenValues() {
		for _, v := range values {
			s.index(kind)[v] = stored.ID
		}
	}
	return nil
}

func (s *InMemoryStore) FindByCode(ctx context.Context, code string) (*Grant, error) {
	return s.find(IndexCode, code, "FindByCode")
}

func (s *InMemoryStore) FindByRefreshToken(_ context.Context, clientID, token string) (*Grant, error) {
	g, err := s.find(IndexRefreshToken, token, "FindByRefreshToken")
	if err != nil {
		return nil, err
	}
	if g.ClientID != clientID {
		return nil, errors.Wrapf(errors.ErrNotFound, "[InMemoryStore.FindByRefreshToken] client mismatch")
	}
	return g, nil
}

func (s *InMemoryStore) FindByAccessToken(_ context.Context, token string) (*Grant, error) {
	return s.find(IndexAccessToken, token, "FindByAccessToken")
}

func (s *InMemoryStore) FindByAuthReqID(_ context.Context, authReqID string) (*Grant, error) {
	return s.find(IndexAuthReqID, authReqID, "FindByAuthReqID")
}

func (s *InMemoryStore) FindByDeviceCode(_ context.Context, deviceCode string) (*Grant, error) {
	return s.find(IndexDeviceCode, deviceCode, "FindByDeviceCode")
}

func (s *InMemoryStore) RemoveAuthorizationCode(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grantID, ok := s.index(IndexCode)[code]
	if !ok {
		return false, nil
	}
	delete(s.index(IndexCode), code)
	if g, ok := s.grants[grantID]; ok {
		if v, ok := g.Variant.(*AuthorizationCode); ok {
			v.Code = nil
		}
	}
	return true, nil
}

func (s *InMemoryStore) RemoveAllByAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range []IndexKind{IndexCode, IndexCodeOrigin} {
		if grantID, ok := s.index(kind)[code]; ok {
			s.removeLocked(grantID)
		}
	}
	return nil
}

func (s *InMemoryStore) RemoveRefreshToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grantID, ok := s.index(IndexRefreshToken)[token]
	if !ok {
		return false, nil
	}
	delete(s.index(IndexRefreshToken), token)
	if g, ok := s.grants[grantID]; ok {
		g.DropRefreshToken(token)
	}
	return true, nil
}

func (s *InMemoryStore) RemoveGrant(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(grantID)
	return nil
}

func (s *InMemoryStore) MarkAssertionUsed(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.assertions[jti]; ok && now.Before(exp) {
		return false, nil
	}
	s.assertions[jti] = expiresAt
	return true, nil
}

func (s *InMemoryStore) find(kind IndexKind, value, op string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grantID, ok := s.index(kind)[value]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "[InMemoryStore.%s]", op)
	}
	g, ok := s.grants[grantID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "[InMemoryStore.%s] dangling index", op)
	}
	return g.Clone(), nil
}

func (s *InMemoryStore) index(kind IndexKind) map[string]string {
	return s.indexes[kind]
}

func (s *InMemoryStore) unindexLocked(g *Grant) {
	for kind, values := range g.TokenValues() {
		for _, v := range values {
			if s.index(kind)[v] == g.ID {
				delete(s.index(kind), v)
			}
		}
	}
}

func (s *InMemoryStore) removeLocked(grantID string) {
	g, ok := s.grants[grantID]
	if !ok {
		return
	}
	s.unindexLocked(g)
	delete(s.grants, grantID)
}
