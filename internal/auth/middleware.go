package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/middleware"
)

// Profile is the identity consumed by the location layer.
type Profile struct {
	UserID        string
	LocationCodes []string
}

// Grant converts the profile into a location grant.
func (p Profile) Grant() location.Grant {
	return location.NewGrant(p.UserID, p.LocationCodes)
}

type profileKey struct{}

// WithProfile stores p in ctx.
func WithProfile(ctx context.Context, p Profile) context.Context {
	return context.WithValue(ctx, profileKey{}, p)
}

// ProfileFromContext returns the authenticated profile, if any.
func ProfileFromContext(ctx context.Context) (Profile, bool) {
	p, ok := ctx.Value(profileKey{}).(Profile)
	return p, ok
}

// Validator validates access tokens. *JWTService implements it.
type Validator interface {
	ValidateAccessToken(tokenString string) (*Claims, error)
}

// Middleware requires a valid bearer access token and stores the resulting
// Profile in the request context. Failures are answered with 401 in the
// API error envelope.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, r, "auth_required", "Missing bearer token")
				return
			}
			claims, err := v.ValidateAccessToken(token)
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					unauthorized(w, r, "token_expired", "Token has expired")
					return
				}
				unauthorized(w, r, "auth_failed", "Invalid token")
				return
			}

			r = middleware.RecordUserID(r, claims.Subject)
			ctx := WithProfile(r.Context(), Profile{
				UserID:        claims.Subject,
				LocationCodes: claims.Locations,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	prefix, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(prefix, "Bearer") {
		// Browsers cannot set headers on websocket upgrades.
		if t := r.URL.Query().Get("access_token"); t != "" && r.URL.Path == "/location/events" {
			return t, true
		}
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, code, message string) {
	middleware.RecordErrorCode(r, code)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
