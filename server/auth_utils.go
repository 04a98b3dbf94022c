package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	// sessionCookieName carries the authorization server session id
	sessionCookieName = "grant_session"
	// flowParam names the parked authorization request on the interaction pages
	flowParam = "flow"
)

// generateRandomString creates a random base64url string
func generateRandomString(length int) string {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.config.GetMaxSessionAge().Seconds()),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func sessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// clientCredentials reads client_secret_basic credentials, falling back to client_secret_post.
// Basic credentials are form-urlencoded before base64 (RFC 6749 section 2.3.1).
func clientCredentials(r *http.Request) (clientID, clientSecret string, basic bool) {
	if id, secret, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(id); err == nil {
			id = unescaped
		}
		if unescaped, err := url.QueryUnescape(secret); err == nil {
			secret = unescaped
		}
		return id, secret, true
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret"), false
}

// accessTokenFromRequest reads a Bearer or DPoP access token from the Authorization header,
// or the access_token form member (RFC 6750 section 2.2).
func accessTokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && (strings.EqualFold(scheme, "bearer") || strings.EqualFold(scheme, "dpop")) {
			return strings.TrimSpace(value)
		}
		return ""
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}

// certThumbprint is the base64url SHA-256 of the client's TLS certificate, used for
// certificate-bound access tokens.
func certThumbprint(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	sum := sha256.Sum256(r.TLS.PeerCertificates[0].Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
