// Package jarm encodes authorization responses as JWTs (JWT Secured Authorization Response Mode).
package jarm

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jrsteele09/go-grant-server/clients"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/token/keys"
)

// ResponseParam is the single parameter carrying the encoded response.
const ResponseParam = "response"

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported JARM algorithm")
	ErrNoEncryptionKey      = errors.New("client has no usable encryption key")
)

type Encoder struct {
	keys     keys.Provider
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

type EncoderOption func(*Encoder)

func WithNowFunc(now func() time.Time) EncoderOption {
	return func(e *Encoder) {
		e.now = now
	}
}

// NewEncoder creates an encoder whose responses expire after lifetime, normally the
// authorization code lifetime.
func NewEncoder(provider keys.Provider, issuer string, lifetime time.Duration, options ...EncoderOption) *Encoder {
	e := &Encoder{
		keys:     provider,
		issuer:   issuer,
		lifetime: lifetime,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Encode wraps the authorization response parameters for client. The JWT is signed with the
// client's authorization_signed_response_alg (RS256 when unset) and then, if the client
// registered an encryption alg and enc, encrypted as a nested JWT. A client with encryption
// but no signing alg gets the claims encrypted without an inner signature.
func (e *Encoder) Encode(client *clients.Client, params url.Values) (string, error) {
	now := e.now()
	claims := jwt.MapClaims{}
	for k, v := range params {
		if len(v) > 0 {
			claims[k] = v[0]
		}
	}
	claims["iss"] = e.issuer
	claims["aud"] = client.ID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(e.lifetime).Unix()

	if !client.UsesJARMSigning() && client.UsesJARMEncryption() {
		payload, err := json.Marshal(claims)
		if err != nil {
			return "", errors.Wrapf(err, "[Encoder.Encode] marshal claims")
		}
		return e.encrypt(client, payload, "")
	}

	signed, err := e.sign(client, claims)
	if err != nil {
		return "", err
	}
	if !client.UsesJARMEncryption() {
		return signed, nil
	}
	return e.encrypt(client, []byte(signed), "JWT")
}

func (e *Encoder) sign(client *clients.Client, claims jwt.MapClaims) (string, error) {
	alg := client.AuthorizationSignedResponseAlg
	if alg == "" {
		alg = keys.RS256
	}
	if strings.HasPrefix(alg, "HS") {
		method := jwt.GetSigningMethod(alg)
		if method == nil || client.Secret == "" {
			return "", errors.Wrapf(ErrUnsupportedAlgorithm, "[Encoder.sign] %s", alg)
		}
		signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(client.Secret))
		if err != nil {
			return "", errors.Wrapf(err, "[Encoder.sign] %s", alg)
		}
		return signed, nil
	}
	signed, err := e.keys.Sign(alg, claims, nil)
	if err != nil {
		return "", errors.Wrapf(err, "[Encoder.sign] %s", alg)
	}
	return signed, nil
}

func (e *Encoder) encrypt(client *clients.Client, payload []byte, contentType jose.ContentType) (string, error) {
	alg := jose.KeyAlgorithm(client.AuthorizationEncryptedResponseAlg)
	enc := jose.ContentEncryption(client.AuthorizationEncryptedResponseEnc)

	recipient, err := recipientFor(client, alg, enc)
	if err != nil {
		return "", err
	}
	opts := &jose.EncrypterOptions{}
	if contentType != "" {
		opts = opts.WithContentType(contentType)
	}
	encrypter, err := jose.NewEncrypter(enc, recipient, opts)
	if err != nil {
		return "", errors.Wrapf(err, "[Encoder.encrypt] %s/%s", alg, enc)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", errors.Wrapf(err, "[Encoder.encrypt] encrypt")
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		return "", errors.Wrapf(err, "[Encoder.encrypt] serialize")
	}
	return out, nil
}

func recipientFor(client *clients.Client, alg jose.KeyAlgorithm, enc jose.ContentEncryption) (jose.Recipient, error) {
	switch alg {
	case jose.RSA_OAEP, jose.RSA_OAEP_256, jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A192KW, jose.ECDH_ES_A256KW:
		jwk, err := clientEncryptionKey(client, alg)
		if err != nil {
			return jose.Recipient{}, err
		}
		return jose.Recipient{Algorithm: alg, Key: jwk.Key, KeyID: jwk.KeyID}, nil
	case jose.A128KW:
		return secretRecipient(client, alg, 16)
	case jose.A192KW:
		return secretRecipient(client, alg, 24)
	case jose.A256KW:
		return secretRecipient(client, alg, 32)
	case jose.DIRECT:
		size, ok := contentKeySize(enc)
		if !ok {
			return jose.Recipient{}, errors.Wrapf(ErrUnsupportedAlgorithm, "[recipientFor] enc %s", enc)
		}
		return secretRecipient(client, alg, size)
	}
	return jose.Recipient{}, errors.Wrapf(ErrUnsupportedAlgorithm, "[recipientFor] alg %s", alg)
}

// clientEncryptionKey selects a key from the client's JWKS by alg and use=enc. Keys that do
// not declare use or alg are acceptable matches.
func clientEncryptionKey(client *clients.Client, alg jose.KeyAlgorithm) (*jose.JSONWebKey, error) {
	if len(client.JWKS) == 0 {
		return nil, errors.Wrapf(ErrNoEncryptionKey, "[clientEncryptionKey] client %s has no jwks", client.ID)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(client.JWKS, &set); err != nil {
		return nil, errors.Wrapf(err, "[clientEncryptionKey] client %s jwks", client.ID)
	}
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.Use != "" && k.Use != keys.UseEncryption {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != string(alg) {
			continue
		}
		if !keyFits(k, alg) {
			continue
		}
		return k, nil
	}
	return nil, errors.Wrapf(ErrNoEncryptionKey, "[clientEncryptionKey] client %s alg %s", client.ID, alg)
}

func keyFits(k *jose.JSONWebKey, alg jose.KeyAlgorithm) bool {
	switch k.Key.(type) {
	case *rsa.PublicKey:
		return alg == jose.RSA_OAEP || alg == jose.RSA_OAEP_256
	case *ecdsa.PublicKey:
		return alg != jose.RSA_OAEP && alg != jose.RSA_OAEP_256
	}
	return false
}

// secretRecipient derives a symmetric key from the client secret: SHA-256, or SHA-512 when
// more than 32 bytes are needed, truncated to size.
func secretRecipient(client *clients.Client, alg jose.KeyAlgorithm, size int) (jose.Recipient, error) {
	if client.Secret == "" {
		return jose.Recipient{}, errors.Wrapf(ErrNoEncryptionKey, "[secretRecipient] client %s has no secret", client.ID)
	}
	var digest []byte
	if size <= sha256.Size {
		sum := sha256.Sum256([]byte(client.Secret))
		digest = sum[:]
	} else {
		sum := sha512.Sum512([]byte(client.Secret))
		digest = sum[:]
	}
	return jose.Recipient{Algorithm: alg, Key: digest[:size]}, nil
}

func contentKeySize(enc jose.ContentEncryption) (int, bool) {
	switch enc {
	case jose.A128GCM:
		return 16, true
	case jose.A192GCM:
		return 24, true
	case jose.A256GCM, jose.A128CBC_HS256:
		return 32, true
	case jose.A192CBC_HS384:
		return 48, true
	case jose.A256CBC_HS512:
		return 64, true
	}
	return 0, false
}
