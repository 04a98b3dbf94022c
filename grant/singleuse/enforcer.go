// Package singleuse guarantees that an authorization code or refresh token is redeemed at most
// once, even when several requests present it at the same time.
package singleuse

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

var (
	// ErrInFlight means another request in this process is redeeming the same value.
	ErrInFlight = errors.ErrInFlight
	// ErrAlreadyUsed means the value was already redeemed, here or on another node.
	ErrAlreadyUsed = errors.ErrAlreadyUsed
)

// RemoveFunc deletes the record for a value if it is present and reports whether it did. It
// must be atomic across every node sharing the store.
type RemoveFunc func(ctx context.Context, value string) (bool, error)

// Enforcer holds the in-process set of values currently being redeemed. The marker set is a
// fast path; the store's atomic delete is what makes redemption single-use across nodes.
type Enforcer struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New() *Enforcer {
	return &Enforcer{inFlight: make(map[string]struct{})}
}

// Redeem marks value as in flight, removes it through remove and releases the marker when done.
// Exactly one caller per value gets a nil error.
func (e *Enforcer) Redeem(ctx context.Context, value string, remove RemoveFunc) error {
	if !e.acquire(value) {
		return ErrInFlight
	}
	defer e.release(value)

	removed, err := remove(ctx, value)
	if err != nil {
		return errors.Wrapf(err, "[Enforcer.Redeem] remove")
	}
	if !removed {
		return ErrAlreadyUsed
	}
	return nil
}

// InFlight reports whether value is currently being redeemed.
func (e *Enforcer) InFlight(value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[value]
	return ok
}

func (e *Enforcer) acquire(value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[value]; ok {
		return false
	}
	e.inFlight[value] = struct{}{}
	return true
}

func (e *Enforcer) release(value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, value)
}
