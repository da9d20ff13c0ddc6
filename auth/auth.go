// Package auth verifies the credentials players present and turns them into
// identities the coordinator seats. Three schemes are accepted:
//
//	Authorization: tma <initData>    Telegram Mini App launch data
//	Authorization: Bearer <jwt>      HS256 token, subject is the identity
//	Authorization: dev <id>          development only, trusted as is
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned for missing, malformed or unverifiable
// credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Credential schemes.
const (
	SchemeTelegram = "tma"
	SchemeBearer   = "bearer"
	SchemeDev      = "dev"
)

// InitDataHeader carries Telegram initData without a scheme prefix.
const InitDataHeader = "X-Telegram-Init-Data"

// reservedPrefix marks identities owned by the system, such as the bot seat.
const reservedPrefix = "__"

// Identity is a verified caller.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
}

// Validator verifies one credential scheme.
type Validator interface {
	Validate(ctx context.Context, credential string) (*Identity, error)
}

// Authenticator dispatches a credential to the validator for its scheme.
// A nil validator disables that scheme.
type Authenticator struct {
	Telegram Validator
	JWT      Validator
	Dev      Validator
}

// Authenticate verifies a "<scheme> <credential>" string.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Identity, error) {
	scheme, credential, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("%w: expected \"<scheme> <credential>\"", ErrUnauthenticated)
	}

	var v Validator
	switch strings.ToLower(scheme) {
	case SchemeTelegram:
		v = a.Telegram
	case SchemeBearer:
		v = a.JWT
	case SchemeDev:
		v = a.Dev
	}
	if v == nil {
		return nil, fmt.Errorf("%w: scheme %q is not accepted", ErrUnauthenticated, scheme)
	}

	id, err := v.Validate(ctx, strings.TrimSpace(credential))
	if err != nil {
		return nil, err
	}
	if id.ID == "" || strings.HasPrefix(id.ID, reservedPrefix) {
		return nil, fmt.Errorf("%w: identity %q is reserved", ErrUnauthenticated, id.ID)
	}
	return id, nil
}

// FromRequest reads the credential from the Authorization header, the
// Telegram initData header, or the token query parameter, in that order.
// Browsers cannot set headers on websocket upgrades, hence the query form.
func (a *Authenticator) FromRequest(r *http.Request) (*Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return a.Authenticate(r.Context(), h)
	}
	if data := r.Header.Get(InitDataHeader); data != "" {
		return a.Authenticate(r.Context(), SchemeTelegram+" "+data)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.Authenticate(r.Context(), token)
	}
	return nil, fmt.Errorf("%w: no credential", ErrUnauthenticated)
}

type contextKey int

const identityContextKey contextKey = iota

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the identity set by Middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.FromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthenticated","kind":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// InsecureValidator trusts the credential as the identity. Development only.
type InsecureValidator struct{}

func (InsecureValidator) Validate(ctx context.Context, credential string) (*Identity, error) {
	return &Identity{ID: credential, Name: credential, Provider: SchemeDev}, nil
}
