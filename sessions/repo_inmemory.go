package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is an in-memory implementation of Repo. Sessions are copied in and out so
// callers never share mutable state.
type InMemoryRepo struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	deviceSecrets map[string]string // device secret -> session id
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions:      make(map[string]*Session),
		deviceSecrets: make(map[string]string),
	}
}

func (r *InMemoryRepo) Upsert(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("[InMemoryRepo.Upsert] session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.sessions[session.ID]; ok {
		for _, secret := range previous.DeviceSecrets {
			delete(r.deviceSecrets, secret)
		}
	}
	for _, secret := range session.DeviceSecrets {
		r.deviceSecrets[secret] = session.ID
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "[InMemoryRepo.Get] %s", sessionID)
	}
	return session.Clone(), nil
}

func (r *InMemoryRepo) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteLocked(sessionID)
	return nil
}

func (r *InMemoryRepo) GetByDeviceSecret(ctx context.Context, secret string) (*Session, error) {
	r.mu.RLock()
	sessionID, ok := r.deviceSecrets[secret]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "[InMemoryRepo.GetByDeviceSecret]")
	}
	return r.Get(ctx, sessionID)
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, session := range r.sessions {
		if session.ExpiresAt.Before(before) {
			r.deleteLocked(id)
		}
	}
	return nil
}

func (r *InMemoryRepo) deleteLocked(sessionID string) {
	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for _, secret := range session.DeviceSecrets {
		delete(r.deviceSecrets, secret)
	}
	delete(r.sessions, sessionID)
}
