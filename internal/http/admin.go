package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

func (s *Server) handleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.breakers.Snapshot(),
	})
}

func (s *Server) handleAdminSlots(w http.ResponseWriter, r *http.Request) {
	providers, err := s.providers.ListProviders(r.Context())
	if err != nil {
		s.logger.Error("list providers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"slots": s.slots.ProviderSnapshot(r.Context(), providers),
	})
}

func (s *Server) handleAdminKeyUsage(w http.ResponseWriter, r *http.Request) {
	from, to, err := usageRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := r.PathValue("id")
	if _, err := s.keys.GetKey(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("key %s not found", id))
			return
		}
		s.logger.Error("get key", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	totals, err := s.usage.TotalsForKey(r.Context(), id, from, to)
	if err != nil {
		s.logger.Error("key usage totals", "key_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, usageReport{ID: id, From: from, To: to, Totals: totals})
}

func (s *Server) handleAdminProviderUsage(w http.ResponseWriter, r *http.Request) {
	from, to, err := usageRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := r.PathValue("id")
	totals, err := s.usage.TotalsForProvider(r.Context(), id, from, to)
	if err != nil {
		s.logger.Error("provider usage totals", "provider_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, usageReport{ID: id, From: from, To: to, Totals: totals})
}

type usageReport struct {
	ID     string              `json:"id"`
	From   time.Time           `json:"from"`
	To     time.Time           `json:"to"`
	Totals *domain.UsageTotals `json:"totals"`
}

// usageRange parses the from/to query parameters, defaulting to the
// trailing 24 hours.
func usageRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from timestamp: %w", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to timestamp: %w", err)
		}
		to = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must precede to")
	}
	return from, to, nil
}
