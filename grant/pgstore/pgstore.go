// Package pgstore is a grant.Store backed by PostgreSQL. Token lookups go through the
// grant_tokens table; deleting a row there is the atomic single-use step.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
)

//go:embed schema.sql
var schema string

var _ grant.Store = (*Store)(nil)

type Store struct {
	db    *sql.DB
	clock func() time.Time
}

type Option func(*Store)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with the lib/pq driver and checks connectivity.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "[pgstore.Open]")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "[pgstore.Open] ping")
	}
	return db, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrapf(err, "[pgstore.Migrate]")
}

func (s *Store) Save(ctx context.Context, g *grant.Grant) error {
	if g == nil || g.ID == "" {
		return errors.New("[pgstore.Save] grant id is required")
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return errors.Wrapf(err, "[pgstore.Save] marshal grant")
	}

	var kinds, tokens []string
	for kind, values := range g.TokenValues() {
		for _, v := range values {
			kinds = append(kinds, string(kind))
			tokens = append(tokens, v)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "[pgstore.Save] begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grants (id, client_id, grant_type, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at
	`, g.ID, g.ClientID, string(g.Type()), payload, g.ExpiresAt)
	if err != nil {
		return errors.Wrapf(err, "[pgstore.Save] upsert grant")
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM grant_tokens WHERE grant_id = $1`, g.ID); err != nil {
		return errors.Wrapf(err, "[pgstore.Save] clear tokens")
	}

	if len(tokens) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grant_tokens (kind, token, grant_id)
			SELECT unnest($1::text[]), unnest($2::text[]), $3
			ON CONFLICT (kind, token) DO UPDATE SET grant_id = EXCLUDED.grant_id
		`, pq.Array(kinds), pq.Array(tokens), g.ID)
		if err != nil {
			return errors.Wrapf(err, "[pgstore.Save] index tokens")
		}
	}
	return errors.Wrapf(tx.Commit(), "[pgstore.Save] commit")
}

func (s *Store) FindByCode(ctx context.Context, code string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexCode, code)
}

func (s *Store) FindByRefreshToken(ctx context.Context, clientID, token string) (*grant.Grant, error) {
	g, err := s.find(ctx, grant.IndexRefreshToken, token)
	if err != nil {
		return nil, err
	}
	if g.ClientID != clientID {
		return nil, errors.Wrapf(errors.ErrNotFound, "[pgstore.FindByRefreshToken] client mismatch")
	}
	return g, nil
}

func (s *Store) FindByAccessToken(ctx context.Context, token string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexAccessToken, token)
}

func (s *Store) FindByAuthReqID(ctx context.Context, authReqID string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexAuthReqID, authReqID)
}

func (s *Store) FindByDeviceCode(ctx context.Context, deviceCode string) (*grant.Grant, error) {
	return s.find(ctx, grant.IndexDeviceCode, deviceCode)
}

func (s *Store) RemoveAuthorizationCode(ctx context.Context, code string) (bool, error) {
	return s.deleteToken(ctx, grant.IndexCode, code)
}

func (s *Store) RemoveAllByAuthorizationCode(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM grants WHERE id IN (
			SELECT grant_id FROM grant_tokens WHERE kind = ANY($1::text[]) AND token = $2
		)
	`, pq.Array([]string{string(grant.IndexCode), string(grant.IndexCodeOrigin)}), code)
	return errors.Wrapf(err, "[pgstore.RemoveAllByAuthorizationCode]")
}

// RemoveRefreshToken deletes the token row and drops the record from the grant payload in the
// same transaction. A concurrent caller blocks on the row lock and then finds nothing to delete.
func (s *Store) RemoveRefreshToken(ctx context.Context, token string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] begin")
	}
	defer func() { _ = tx.Rollback() }()

	var grantID string
	err = tx.QueryRowContext(ctx, `
		DELETE FROM grant_tokens WHERE kind = $1 AND token = $2
		RETURNING grant_id
	`, string(grant.IndexRefreshToken), token).Scan(&grantID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] delete token")
	}

	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM grants WHERE id = $1 FOR UPDATE`, grantID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] read grant")
	default:
		var g grant.Grant
		if err := json.Unmarshal(payload, &g); err != nil {
			return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] unmarshal grant")
		}
		g.DropRefreshToken(token)
		if payload, err = json.Marshal(&g); err != nil {
			return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] marshal grant")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE grants SET payload = $2 WHERE id = $1`, grantID, payload); err != nil {
			return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] update grant")
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "[pgstore.RemoveRefreshToken] commit")
	}
	return true, nil
}

func (s *Store) RemoveGrant(ctx context.Context, grantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = $1`, grantID)
	return errors.Wrapf(err, "[pgstore.RemoveGrant] %s", grantID)
}

func (s *Store) MarkAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO used_assertions (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE used_assertions.expires_at < $3
	`, jti, expiresAt, s.clock())
	if err != nil {
		return false, errors.Wrapf(err, "[pgstore.MarkAssertionUsed]")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "[pgstore.MarkAssertionUsed] rows affected")
	}
	return n == 1, nil
}

// DeleteExpired removes grants whose expiry has passed, with their token rows.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE expires_at < $1`, s.clock())
	if err != nil {
		return 0, errors.Wrapf(err, "[pgstore.DeleteExpired]")
	}
	return res.RowsAffected()
}

func (s *Store) deleteToken(ctx context.Context, kind grant.IndexKind, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grant_tokens WHERE kind = $1 AND token = $2`, string(kind), token)
	if err != nil {
		return false, errors.Wrapf(err, "[pgstore.deleteToken] %s", kind)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "[pgstore.deleteToken] rows affected")
	}
	return n == 1, nil
}

func (s *Store) find(ctx context.Context, kind grant.IndexKind, token string) (*grant.Grant, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT g.payload
		FROM grant_tokens t
		JOIN grants g ON g.id = t.grant_id
		WHERE t.kind = $1 AND t.token = $2
	`, string(kind), token).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "[pgstore.find] %s", kind)
		}
		return nil, errors.Wrapf(err, "[pgstore.find] %s", kind)
	}
	var g grant.Grant
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, errors.Wrapf(err, "[pgstore.find] unmarshal grant")
	}
	return &g, nil
}
