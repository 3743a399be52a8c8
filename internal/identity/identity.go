// Package identity binds each browser to a server-side session through a
// signed cookie.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/medivio/internal/session"
	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie.
const CookieName = "medivio_session"

type contextKey int

const (
	sessionIDKey contextKey = iota
	stateKey
)

// ErrInvalidToken is returned for cookies that fail verification.
var ErrInvalidToken = errors.New("invalid session token")

// Claims carries the session id.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Issuer signs and verifies session cookies.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

// NewIssuer creates a cookie issuer. An empty secret is replaced by a
// random one, which invalidates cookies across restarts.
func NewIssuer(secret string, ttl time.Duration, secure bool) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		slog.Warn("SESSION_SECRET not set, using an ephemeral key")
	}
	return &Issuer{secret: key, ttl: ttl, secure: secure}, nil
}

// Sign returns a token for sessionID valid for the issuer's TTL.
func (i *Issuer) Sign(sessionID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		SessionID: sessionID,
	})
	return token.SignedString(i.secret)
}

// Verify returns the session id carried by a valid token.
func (i *Issuer) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.SessionID == "" {
		return "", ErrInvalidToken
	}
	return claims.SessionID, nil
}

func (i *Issuer) setCookie(w http.ResponseWriter, sessionID string) error {
	token, err := i.Sign(sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(i.ttl.Seconds()),
		Expires:  time.Now().Add(i.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   i.secure,
	})
	return nil
}

// SessionIDFromContext extracts the session id from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// StateFromContext extracts the session state from the request context.
func StateFromContext(ctx context.Context) *session.State {
	if v, ok := ctx.Value(stateKey).(*session.State); ok {
		return v
	}
	return nil
}

// WithSession returns a context carrying the session id and state.
func WithSession(ctx context.Context, sessionID string, st *session.State) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, stateKey, st)
}

func (i *Issuer) resolve(r *http.Request, mgr *session.Manager) (string, *session.State, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", nil, false
	}
	sid, err := i.Verify(c.Value)
	if err != nil {
		slog.Debug("Rejected session cookie", "error", err, "ip", IPFromRequest(r))
		return "", nil, false
	}
	st, ok := mgr.Get(sid)
	if !ok {
		return "", nil, false
	}
	return sid, st, true
}

// Middleware resolves the caller's session, creating one when the cookie is
// missing, invalid or refers to an expired session. The cookie is
// re-issued on every request so its expiry slides with activity.
func Middleware(mgr *session.Manager, issuer *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid, st, ok := issuer.resolve(r, mgr)
			if !ok {
				sid, st = mgr.Create()
			}

			if err := issuer.setCookie(w, sid); err != nil {
				slog.Error("Failed to issue session cookie", "error", err)
				http.Error(w, "failed to establish session", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sid, st)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
