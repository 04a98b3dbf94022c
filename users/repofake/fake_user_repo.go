package fakeuserrepo

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/users"
)

var _ users.UserRepo = (*FakeUserRepo)(nil)

type FakeUserRepo struct {
	users       map[string]*users.User
	usernameIDs map[string]string // username to user id
	lock        sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		users:       make(map[string]*users.User),
		usernameIDs: make(map[string]string),
	}
}

func (ur *FakeUserRepo) Upsert(user *users.User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	ur.users[user.ID] = user
	ur.usernameIDs[user.Username] = user.ID
	return nil
}

func (ur *FakeUserRepo) GetByUsername(username string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.usernameIDs[username]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return ur.users[id], nil
}

func (ur *FakeUserRepo) GetByID(id string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	user, ok := ur.users[id]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return user, nil
}

func (ur *FakeUserRepo) SetLastLogin(id string, at time.Time) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	user, ok := ur.users[id]
	if !ok {
		return errors.ErrUserNotFound
	}
	user.LastLogin = at
	return nil
}
