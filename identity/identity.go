// Package identity resolves the client id of HTTP requests from a signed
// cookie, issuing a fresh id to clients without a valid one.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultCookieName = "fxupload_client"
	DefaultMaxAge     = 365 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("identity: invalid client token")
	ErrNoClientID   = errors.New("identity: no client id in context")
)

type contextKey struct{}

// Claims are the claims of a client token, the client id is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Resolver issues and verifies client tokens.
type Resolver struct {
	logger     logr.Logger
	secret     []byte
	cookieName string
	maxAge     time.Duration
	secure     bool
	now        func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCookieName sets the name of the identity cookie.
func WithCookieName(name string) ResolverOption {
	return func(r *Resolver) {
		if name != "" {
			r.cookieName = name
		}
	}
}

// WithMaxAge sets the lifetime of issued tokens and cookies.
func WithMaxAge(maxAge time.Duration) ResolverOption {
	return func(r *Resolver) {
		if maxAge > 0 {
			r.maxAge = maxAge
		}
	}
}

// WithSecureCookie marks the cookie as HTTPS only.
func WithSecureCookie() ResolverOption {
	return func(r *Resolver) {
		r.secure = true
	}
}

// NewResolver creates a resolver signing tokens with secret (HS256).
func NewResolver(logger logr.Logger, secret []byte, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		logger:     logger.WithName("identity"),
		secret:     secret,
		cookieName: DefaultCookieName,
		maxAge:     DefaultMaxAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue returns a signed token for clientID.
func (r *Resolver) Issue(clientID string) (token string, err error) {
	now := r.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.maxAge)),
		},
	}).SignedString(r.secret)
}

// Parse verifies token and returns its client id.
func (r *Resolver) Parse(token string) (clientID string, err error) {
	claims := &Claims{}
	var parsed *jwt.Token
	parsed, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	if _, err = uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// Resolve returns the client id of req. A request without a valid cookie
// gets a new id, set as a cookie on w.
func (r *Resolver) Resolve(w http.ResponseWriter, req *http.Request) (clientID string, issued bool, err error) {
	if cookie, cookieErr := req.Cookie(r.cookieName); cookieErr == nil {
		if clientID, err = r.Parse(cookie.Value); err == nil {
			return
		}
		r.logger.V(1).Info("discarding client cookie", "errorMessage", err.Error())
	}

	clientID = uuid.NewString()
	var token string
	if token, err = r.Issue(clientID); err != nil {
		return "", false, fmt.Errorf("issue client token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(r.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   r.secure,
		SameSite: http.SameSiteLaxMode,
	})
	r.logger.V(1).Info("issued client id", "clientID", clientID)
	return clientID, true, nil
}

// Middleware stores the client id of every request in its context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		clientID, _, err := r.Resolve(w, req)
		if err != nil {
			r.logger.Error(err, "failed to resolve client id")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithClientID(req.Context(), clientID)))
	})
}

// WithClientID returns a copy of ctx holding clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, contextKey{}, clientID)
}

// ClientID returns the client id stored in ctx.
func ClientID(ctx context.Context) (clientID string, err error) {
	var ok bool
	if clientID, ok = ctx.Value(contextKey{}).(string); !ok || clientID == "" {
		return "", ErrNoClientID
	}
	return
}
