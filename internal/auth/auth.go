package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const keyID ctxKey = 0

// Store is a static in-memory key store: secret -> keyID
type Store struct {
	header   string
	bySecret map[string]string
}

// NewStatic creates a static key store reading secrets from header
// (default "X-API-Key"). pairs maps secret -> keyID.
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	bySecret := make(map[string]string, len(pairs))
	for secret, id := range pairs {
		bySecret[secret] = id
	}
	return &Store{header: h, bySecret: bySecret}
}

func (s *Store) Header() string { return s.header }

func (s *Store) keyIDFor(secret string) (string, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// WithKeyID injects the key ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the validated key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyID).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a recognized key and stores the key ID
// of the others in the request context. Paths in skipPaths pass through.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			id, ok := s.keyIDFor(secret)
			if !ok {
				hlog.FromRequest(r).Debug().Str("header", hname).Msg("unknown api key")
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
