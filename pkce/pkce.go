// Package pkce verifies Proof Key for Code Exchange (RFC 7636) parameters.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"

	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

var (
	ErrVerifierRequired       = errors.New("code_verifier is required")
	ErrChallengeRequired      = errors.New("PKCE is required: code_challenge must be provided")
	ErrMismatch               = errors.New("code_verifier does not match code_challenge")
	ErrInvalidChallenge       = errors.New("code_challenge must be 43-128 characters of [A-Z] / [a-z] / [0-9] / \"-\" / \".\" / \"_\" / \"~\"")
	ErrUnsupportedMethod      = errors.New("code_challenge_method must be 'S256' or 'plain'")
	ErrMethodWithoutChallenge = errors.New("code_challenge_method requires code_challenge")
)

var challengePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// Challenge derives the code_challenge for verifier.
func Challenge(verifier string, method oauthmodel.CodeMethodType) string {
	if method == oauthmodel.CodeMethodTypeS256 {
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return verifier
}

// Validate checks a verifier presented at the token endpoint against the challenge stored with
// the authorization code. Without a stored challenge no verifier is needed, unless required is
// set. A verifier for a code issued without a challenge does not match. An empty method means
// "plain".
func Validate(challenge string, method oauthmodel.CodeMethodType, verifier string, required bool) error {
	if required && (challenge == "" || verifier == "") {
		if challenge == "" {
			return ErrChallengeRequired
		}
		return ErrVerifierRequired
	}
	if challenge == "" && verifier == "" {
		return nil
	}
	if challenge == "" {
		return ErrMismatch
	}
	if verifier == "" {
		return ErrVerifierRequired
	}
	if method == "" {
		method = oauthmodel.CodeMethodTypePlain
	}
	if method != oauthmodel.CodeMethodTypeS256 && method != oauthmodel.CodeMethodTypePlain {
		return ErrUnsupportedMethod
	}
	computed := Challenge(verifier, method)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}

// ValidateChallenge checks the shape of the PKCE parameters of an authorization request.
func ValidateChallenge(challenge string, method oauthmodel.CodeMethodType, required bool) error {
	if challenge == "" {
		if method != "" {
			return ErrMethodWithoutChallenge
		}
		if required {
			return ErrChallengeRequired
		}
		return nil
	}
	if !challengePattern.MatchString(challenge) {
		return ErrInvalidChallenge
	}
	switch method {
	case "", oauthmodel.CodeMethodTypeS256, oauthmodel.CodeMethodTypePlain:
		return nil
	}
	return ErrUnsupportedMethod
}
