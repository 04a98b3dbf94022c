package backchannel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"time"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// userCodeAlphabet avoids vowels and look-alike characters (RFC 8628 section 6.1).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

type Config struct {
	Interval        time.Duration
	Lifetime        time.Duration
	VerificationURI string
}

type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
}

type ServiceOption func(*Service)

func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store Store, cfg Config, options ...ServiceOption) *Service {
	s := &Service{store: store, cfg: cfg, now: time.Now}
	for _, opt := range options {
		opt(s)
	}
	if s.cfg.Interval <= 0 {
		s.cfg.Interval = 5 * time.Second
	}
	if s.cfg.Lifetime <= 0 {
		s.cfg.Lifetime = 10 * time.Minute
	}
	return s
}

func (s *Service) Config() Config {
	return s.cfg
}

// StartCIBA registers a backchannel authentication request for the user named by loginHint.
func (s *Service) StartCIBA(ctx context.Context, client *clients.Client, scopes []string, loginHint string) (*Request, error) {
	id, err := randomID()
	if err != nil {
		return nil, errors.Wrapf(err, "[Service.StartCIBA] auth_req_id")
	}
	r := s.newRequest(id, KindCIBA, client.ID, scopes)
	r.LoginHint = loginHint
	if err := s.store.Save(ctx, r); err != nil {
		return nil, errors.Wrapf(err, "[Service.StartCIBA] save")
	}
	return r, nil
}

// StartDevice registers a device authorization request with a fresh user code.
func (s *Service) StartDevice(ctx context.Context, client *clients.Client, scopes []string) (*Request, error) {
	id, err := randomID()
	if err != nil {
		return nil, errors.Wrapf(err, "[Service.StartDevice] device_code")
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, errors.Wrapf(err, "[Service.StartDevice] user_code")
	}
	r := s.newRequest(id, KindDevice, client.ID, scopes)
	r.UserCode = userCode
	if err := s.store.Save(ctx, r); err != nil {
		return nil, errors.Wrapf(err, "[Service.StartDevice] save")
	}
	return r, nil
}

func (s *Service) newRequest(id string, kind Kind, clientID string, scopes []string) *Request {
	now := s.now()
	return &Request{
		ID:        id,
		Kind:      kind,
		ClientID:  clientID,
		Scopes:    scopes,
		Status:    StatusPending,
		Interval:  s.cfg.Interval,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetime),
	}
}

// Approve marks a pending request as granted by userID.
func (s *Service) Approve(ctx context.Context, id, userID string) (*Request, error) {
	return s.resolve(ctx, id, StatusGranted, userID)
}

// Deny marks a pending request as refused by the user.
func (s *Service) Deny(ctx context.Context, id string) (*Request, error) {
	return s.resolve(ctx, id, StatusDenied, "")
}

func (s *Service) resolve(ctx context.Context, id string, status Status, userID string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "[Service.resolve] %s", status)
	}
	if r.Expired(s.now()) {
		return nil, errors.Wrapf(errors.ErrExpired, "[Service.resolve] request expired")
	}
	if r.Status != StatusPending {
		return nil, errors.Wrapf(errors.ErrInvalidState, "[Service.resolve] request is %s", r.Status)
	}
	r.Status = status
	r.UserID = userID
	if err := s.store.Save(ctx, r); err != nil {
		return nil, errors.Wrapf(err, "[Service.resolve] save")
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// FindByUserCode resolves the code a user typed on the verification page.
func (s *Service) FindByUserCode(ctx context.Context, userCode string) (*Request, error) {
	return s.store.FindByUserCode(ctx, userCode)
}

// Remove deletes a request once its tokens were issued. Exactly one concurrent caller
// observes true.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	return s.store.Delete(ctx, id)
}

// Poll applies the token endpoint polling rules to a request that has no redeemable grant yet.
// A pending request answers authorization_pending when more than the interval has passed since
// the previous poll, else slow_down; the first poll counts as an immediate repeat. Every poll
// moves the last access time. Denied requests answer access_denied, expired or unknown ones
// expired_token. A granted request returns the request and no error.
func (s *Service) Poll(ctx context.Context, id, clientID string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, oauthmodel.ExpiredToken("The request is unknown or has expired.")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[Service.Poll] get")
	}
	if r.ClientID != clientID {
		return nil, oauthmodel.InvalidGrant("The request was issued to another client.")
	}

	now := s.now()
	if r.Status == StatusPending && r.Expired(now) {
		r.Status = StatusExpired
		if err := s.store.Save(ctx, r); err != nil {
			return nil, errors.Wrapf(err, "[Service.Poll] save expired")
		}
	}

	switch r.Status {
	case StatusGranted:
		return r, nil
	case StatusDenied:
		return nil, oauthmodel.AccessDenied("The end-user denied the authorization request.")
	case StatusExpired:
		return nil, oauthmodel.ExpiredToken("The request has expired.")
	}

	lastAccess := r.LastAccess
	if lastAccess.IsZero() {
		lastAccess = now
	}
	r.LastAccess = now
	if err := s.store.Save(ctx, r); err != nil {
		return nil, errors.Wrapf(err, "[Service.Poll] save last access")
	}
	if now.Sub(lastAccess) > r.Interval {
		return nil, oauthmodel.AuthorizationPending()
	}
	return nil, oauthmodel.SlowDown()
}

func randomID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newUserCode returns eight characters formatted as XXXX-XXXX.
func newUserCode() (string, error) {
	out := make([]byte, 0, 9)
	limit := big.NewInt(int64(len(userCodeAlphabet)))
	for i := 0; i < 8; i++ {
		if i == 4 {
			out = append(out, '-')
		}
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out = append(out, userCodeAlphabet[n.Int64()])
	}
	return string(out), nil
}
