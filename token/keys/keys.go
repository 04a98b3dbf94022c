// Package keys holds the server's signing keys and publishes their public half as a JWKS.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// JWT algorithms (string values used in JWKs and headers)
const (
	RS256 = "RS256"
	RS384 = "RS384"
	RS512 = "RS512"
	PS256 = "PS256"
	ES256 = "ES256"
	ES384 = "ES384"
	ES512 = "ES512"
)

// Key uses as published in the JWKS "use" member.
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

// KeyPair represents a public/private key pair for signing tokens
type KeyPair struct {
	KeyID      string
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	Algorithm  string // RS256, RS384, RS512, PS256, ES256, ES384, ES512
	Use        string
}

// NewKeyPair wraps a private key. An empty keyID becomes the RFC 7638 thumbprint of the
// public key.
func NewKeyPair(keyID string, privateKey crypto.Signer, algorithm string) (*KeyPair, error) {
	kp := &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public(),
		Algorithm:  algorithm,
		Use:        UseSignature,
	}
	if kp.GetSigningMethod() == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	if kp.KeyID == "" {
		jwk := jose.JSONWebKey{Key: kp.PublicKey}
		thumb, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
		}
		kp.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	}
	return kp, nil
}

// GenerateRSAKeyPair generates a new RSA key pair for RS256 signing
func GenerateRSAKeyPair(keyID string, bits int) (*KeyPair, error) {
	if bits < 2048 {
		bits = 2048
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return NewKeyPair(keyID, privateKey, RS256)
}

// GenerateECDSAKeyPair generates a new P-256 key pair for ES256 signing
func GenerateECDSAKeyPair(keyID string) (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return NewKeyPair(keyID, privateKey, ES256)
}

// GetSigningMethod returns the JWT signing method for this key pair, or nil if the
// algorithm does not fit the key type.
func (kp *KeyPair) GetSigningMethod() jwt.SigningMethod {
	switch kp.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch kp.Algorithm {
		case RS256:
			return jwt.SigningMethodRS256
		case RS384:
			return jwt.SigningMethodRS384
		case RS512:
			return jwt.SigningMethodRS512
		case PS256:
			return jwt.SigningMethodPS256
		}
	case *ecdsa.PrivateKey:
		switch kp.Algorithm {
		case ES256:
			return jwt.SigningMethodES256
		case ES384:
			return jwt.SigningMethodES384
		case ES512:
			return jwt.SigningMethodES512
		}
	}
	return nil
}

// HashFunc is the hash of the signing algorithm, used for at_hash and friends.
func (kp *KeyPair) HashFunc() crypto.Hash {
	return HashForAlgorithm(kp.Algorithm)
}

// ToJWK converts the key pair's public key to JWK format
func (kp *KeyPair) ToJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       kp.PublicKey,
		KeyID:     kp.KeyID,
		Algorithm: kp.Algorithm,
		Use:       kp.Use,
	}
}

// ExportPrivateKeyPEM exports the private key as PKCS#8 PEM
func (kp *KeyPair) ExportPrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// LoadKeyPairFromPEM loads an RSA or EC private key in PKCS#1, SEC 1 or PKCS#8 form. The
// algorithm defaults to RS256 or ES256 by key type.
func LoadKeyPairFromPEM(keyID, privateKeyPEM, algorithm string) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var signer crypto.Signer
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
		}
		signer = key
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		signer = key
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		signer = s
	}

	if algorithm == "" {
		algorithm = RS256
		if _, ok := signer.(*ecdsa.PrivateKey); ok {
			algorithm = ES256
		}
	}
	return NewKeyPair(keyID, signer, algorithm)
}

// HashForAlgorithm maps a JWS algorithm to its hash, defaulting to SHA-256.
func HashForAlgorithm(alg string) crypto.Hash {
	switch alg {
	case RS384, ES384, "PS384", "HS384":
		return crypto.SHA384
	case RS512, ES512, "PS512", "HS512":
		return crypto.SHA512
	}
	return crypto.SHA256
}
