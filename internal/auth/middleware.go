package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrNoToken is returned by Authenticate when the Authorization header is
// absent.
var ErrNoToken = errors.New("auth: no token provided")

const bearerPrefix = "Bearer "

// TokenVerifier turns a token into the account id it was issued for.
// *TokenService implements it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type contextKey string

const accountIDKey contextKey = "accountID"

// Authenticate decides a request's identity from its Authorization header.
//
//	""                   → ErrNoToken
//	not "Bearer <token>" → ErrInvalidToken
//	token fails Verify   → ErrInvalidToken (wrapped)
//	otherwise            → the account id
//
// The scheme is case-sensitive and must be followed by exactly one space and
// a non-empty token; a bare token without the scheme is rejected.
func Authenticate(header string, verifier TokenVerifier) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}

	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrInvalidToken
	}

	id, err := verifier.Verify(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return "", err
		}
		return "", errors.Join(ErrInvalidToken, err)
	}
	return id, nil
}

// RejectFunc is told why a request was turned away. It must not write to the
// response.
type RejectFunc func(r *http.Request, err error)

// RequireAuth guards a route: it runs Authenticate on the Authorization header
// and either stores the account id in the request context or answers 401.
//
// The 401 body uses the same {"error","message"} shape as every other API
// error. The message is "no token provided" or "invalid token"; the precise
// verification failure is never sent to the client.
func RequireAuth(verifier TokenVerifier, onReject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r.Header.Get("Authorization"), verifier)
			if err != nil {
				if onReject != nil {
					onReject(r, err)
				}
				message := "invalid token"
				if errors.Is(err, ErrNoToken) {
					message = "no token provided"
				}
				writeUnauthorized(w, message)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), id)))
		})
	}
}

// WithAccountID returns a copy of ctx carrying the authenticated account id.
func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// AccountIDFromContext returns the id stored by RequireAuth.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDKey).(string)
	return id, ok && id != ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="repotrack"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
