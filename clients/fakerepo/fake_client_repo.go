package fakeclientrepo

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var _ clients.Repo = (*FakeClientRepo)(nil)

type FakeClientRepo struct {
	clients map[string]*clients.Client
	lock    sync.RWMutex
}

func NewFakeClientRepo() *FakeClientRepo {
	return &FakeClientRepo{
		clients: make(map[string]*clients.Client),
	}
}

func (r *FakeClientRepo) Upsert(clientData *clients.Client) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if clientData.ID == "" {
		clientData.ID = uuid.New().String()
	}
	r.clients[clientData.ID] = clientData
	return nil
}

func (r *FakeClientRepo) Delete(clientID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.clients, clientID)
	return nil
}

func (r *FakeClientRepo) Get(clientID string) (*clients.Client, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrClientNotFound, "[FakeClientRepo.Get] %s", clientID)
	}
	return client, nil
}

func (r *FakeClientRepo) List(offset, limit int) ([]*clients.Client, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]*clients.Client, 0, len(r.clients))
	for _, v := range r.clients {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	if offset >= len(list) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(list) {
		end = len(list)
	}
	return list[offset:end], nil
}
