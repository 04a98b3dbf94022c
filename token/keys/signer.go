package keys

import (
	"crypto"
	"fmt"
	"os"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-grant-server/internal/errors"
)

// Provider signs JWTs with the server keys and exposes the public keys for verification.
type Provider interface {
	// Sign creates a signed JWT with the key for alg ("" selects the default key). Extra
	// headers such as "typ" are merged into the JOSE header.
	Sign(alg string, claims jwt.Claims, headers map[string]any) (string, error)

	// SigningKey selects a key by algorithm and use.
	SigningKey(alg, use string) (*KeyPair, error)

	// GetVerificationKey is a jwt.Keyfunc resolving the key by the token's kid and alg.
	GetVerificationKey(token *jwt.Token) (any, error)

	// PublicKeys lists every public key, for verifiers that take a static key set.
	PublicKeys() []crypto.PublicKey

	// JWKS is the public key set published at the jwks_uri.
	JWKS() jose.JSONWebKeySet
}

// KeyStore is an in-process Provider. The first added signing key is the default.
type KeyStore struct {
	mu   sync.RWMutex
	keys []*KeyPair
}

var _ Provider = (*KeyStore)(nil)

func NewKeyStore(pairs ...*KeyPair) *KeyStore {
	return &KeyStore{keys: pairs}
}

// GenerateKeyStore creates a store with a fresh RS256 key and a fresh ES256 key.
func GenerateKeyStore() (*KeyStore, error) {
	rsaKey, err := GenerateRSAKeyPair("", 2048)
	if err != nil {
		return nil, errors.Wrapf(err, "[GenerateKeyStore] RSA key")
	}
	ecKey, err := GenerateECDSAKeyPair("")
	if err != nil {
		return nil, errors.Wrapf(err, "[GenerateKeyStore] EC key")
	}
	return NewKeyStore(rsaKey, ecKey), nil
}

// LoadOrGenerate reads the PEM file at path, or generates keys when path is empty.
// A loaded key is the default; an ES256 key is generated alongside it.
func LoadOrGenerate(path string) (*KeyStore, error) {
	if path == "" {
		return GenerateKeyStore()
	}
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "[LoadOrGenerate] read %s", path)
	}
	kp, err := LoadKeyPairFromPEM("", string(pemData), "")
	if err != nil {
		return nil, errors.Wrapf(err, "[LoadOrGenerate] parse %s", path)
	}
	store := NewKeyStore(kp)
	if kp.Algorithm != ES256 {
		ecKey, err := GenerateECDSAKeyPair("")
		if err != nil {
			return nil, errors.Wrapf(err, "[LoadOrGenerate] EC key")
		}
		store.Add(ecKey)
	}
	return store, nil
}

func (s *KeyStore) Add(kp *KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, kp)
}

func (s *KeyStore) SigningKey(alg, use string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if use == "" {
		use = UseSignature
	}
	for _, kp := range s.keys {
		if kp.Use != use {
			continue
		}
		if alg == "" || kp.Algorithm == alg {
			return kp, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "[KeyStore.SigningKey] no %s key for alg %q", use, alg)
}

func (s *KeyStore) Sign(alg string, claims jwt.Claims, headers map[string]any) (string, error) {
	kp, err := s.SigningKey(alg, UseSignature)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(kp.GetSigningMethod(), claims)
	for k, v := range headers {
		token.Header[k] = v
	}
	token.Header["kid"] = kp.KeyID

	signedToken, err := token.SignedString(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with asymmetric key: %w", err)
	}
	return signedToken, nil
}

func (s *KeyStore) GetVerificationKey(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kp := range s.keys {
		if kp.KeyID != kid && kid != "" {
			continue
		}
		if token.Method.Alg() != kp.Algorithm {
			continue
		}
		return kp.PublicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing key %q / method %v", kid, token.Header["alg"])
}

func (s *KeyStore) PublicKeys() []crypto.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crypto.PublicKey, 0, len(s.keys))
	for _, kp := range s.keys {
		out = append(out, kp.PublicKey)
	}
	return out
}

func (s *KeyStore) JWKS() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(s.keys))}
	for _, kp := range s.keys {
		set.Keys = append(set.Keys, kp.ToJWK())
	}
	return set
}

// Algorithms lists the signing algorithms available, for the discovery document.
func (s *KeyStore) Algorithms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, kp := range s.keys {
		if kp.Use == UseSignature {
			out = append(out, kp.Algorithm)
		}
	}
	return out
}
