// Package audit records one event per authorization and token request.
package audit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Event captures the outcome of a protocol request. It never carries token values or secrets.
type Event struct {
	Timestamp time.Time
	Action    string // "token", "authorize", "backchannel_authorize", "device_authorization"
	ClientID  string
	UserID    string
	GrantType string
	GrantID   string
	Scopes    []string
	Success   bool
	ErrorCode string
	IP        string
}

// Logger receives audit events from request handling. SendMessage must not block the request.
type Logger interface {
	SendMessage(ctx context.Context, event Event)
}

// Sink persists events. The Worker calls it off the request path.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Recorder keeps events in memory. It is both a Logger and a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var (
	_ Logger = (*Recorder)(nil)
	_ Sink   = (*Recorder)(nil)
)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SendMessage(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Append(ctx context.Context, event Event) error {
	r.SendMessage(ctx, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
