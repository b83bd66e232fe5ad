package http

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

type authedHandler func(http.ResponseWriter, *http.Request, *domain.Key)

// withAuth resolves the caller's API key and enforces key-level gates
// before the request reaches the pipeline.
func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
			return
		}

		key, err := s.lookupKey(r, token)
		if err != nil {
			if errors.Is(err, domain.ErrKeyNotFound) {
				s.writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			} else {
				s.logger.Error("key lookup", "error", err)
				s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			}
			return
		}

		if !key.Enabled {
			s.writeError(w, http.StatusForbidden, "permission_error", "API key is disabled")
			return
		}
		if key.Expired(time.Now()) {
			s.writeError(w, http.StatusForbidden, "permission_error", "API key has expired")
			return
		}
		if s.limiter != nil && !s.limiter.Allow(key.ID, key.RPMLimit) {
			if s.metrics != nil {
				s.metrics.RateLimitHits.WithLabelValues(key.ID).Inc()
			}
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}

		next(w, r, key)
	}
}

// lookupKey resolves a token to its key, caching hits briefly so hot
// callers skip the repository on every request.
func (s *Server) lookupKey(r *http.Request, token string) (*domain.Key, error) {
	hash := hashAPIKey(token)
	if cached, ok := s.authCache.Get(hash); ok {
		return cached.(*domain.Key), nil
	}
	key, err := s.keys.GetKeyByHash(r.Context(), hash)
	if err != nil {
		return nil, err
	}
	s.authCache.SetDefault(hash, key)
	return key, nil
}

// extractToken accepts the credential header of any supported protocol.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			return token
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return ""
}

func hashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// withAdminAuth guards the admin API with the configured bearer token.
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.writeError(w, http.StatusNotFound, "not_found", "admin API is not enabled")
			return
		}
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.adminToken {
			s.writeError(w, http.StatusUnauthorized, "authentication_error", "invalid admin token")
			return
		}
		next(w, r)
	}
}
