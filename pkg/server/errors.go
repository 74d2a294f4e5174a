package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stablemint/merkledrop/pkg/chain"
	"github.com/stablemint/merkledrop/pkg/distribution"
	"github.com/stablemint/merkledrop/pkg/store"
)

// errorResponse is the uniform error body. Details never carry endpoint
// URLs or credentials.
type errorResponse struct {
	Error       string   `json:"error"`
	Details     string   `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string, suggestions ...string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:       msg,
		Suggestions: suggestions,
	})
}

// writeError maps domain errors onto HTTP statuses: conflicts and bad
// input are 400, missing records 404, chain unavailability 503.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var claimConflict *distribution.ClaimConflictError
	var reclaimConflict *distribution.ReclaimConflictError

	switch {
	case errors.As(err, &claimConflict):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "claim already marked",
			Details: "first claimed at " + claimConflict.ClaimedAt.UTC().Format(time.RFC3339),
			Suggestions: []string{
				"mark-claim is idempotent per user; this claim was already recorded",
			},
		})
	case errors.As(err, &reclaimConflict):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "distribution already reclaimed",
			Details: "reclaimed at " + reclaimConflict.ReclaimedAt.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, distribution.ErrClaimNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "no claim found for this address",
			Suggestions: []string{
				"check the address against /distributions/latest?address=...",
			},
		})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "distribution not found",
			Suggestions: []string{
				"list known distributions via /distributions/history",
			},
		})
	case errors.Is(err, chain.ErrAllProvidersExhausted):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:   "chain providers unavailable",
			Details: "all configured RPC providers failed",
			Suggestions: []string{
				"retry shortly; local distribution data is unaffected",
			},
		})
	case strings.Contains(err.Error(), "invalid address"):
		s.writeBadRequest(w, "invalid address",
			"addresses are 0x-prefixed 40-hex-character strings")
	default:
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "internal error",
		})
	}
}
