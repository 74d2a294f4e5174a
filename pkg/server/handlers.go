package server

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/stablemint/merkledrop/pkg/service"
)

type historyResponse struct {
	Distributions []service.HistoryEntry `json:"distributions"`
	Count         int                    `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.History(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, historyResponse{
		Distributions: entries,
		Count:         len(entries),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		s.writeBadRequest(w, "address query parameter is required",
			"call /distributions/latest?address=0x...")
		return
	}

	claims, err := s.svc.UserDistributions(r.Context(), address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":           address,
		"count":             len(claims),
		"userDistributions": claims,
	})
}

type markClaimRequest struct {
	DistributionID uint64 `json:"distributionId"`
	UserAddress    string `json:"userAddress"`
	// ClaimedAmount is a decimal string in token smallest units.
	ClaimedAmount string `json:"claimedAmount"`
	TxHash        string `json:"txHash"`
}

type markClaimResponse struct {
	Success      bool `json:"success"`
	ClaimedCount int  `json:"claimedCount"`
	TotalClaims  int  `json:"totalClaims"`
	FullyClaimed bool `json:"fullyClaimed"`
}

func (s *Server) handleMarkClaim(w http.ResponseWriter, r *http.Request) {
	var req markClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body", "send JSON with distributionId, userAddress, claimedAmount and txHash")
		return
	}
	if req.DistributionID == 0 || req.UserAddress == "" || req.TxHash == "" {
		s.writeBadRequest(w, "distributionId, userAddress and txHash are required")
		return
	}
	amount, ok := new(big.Int).SetString(req.ClaimedAmount, 10)
	if !ok || amount.Sign() < 0 {
		s.writeBadRequest(w, "claimedAmount must be a non-negative decimal string")
		return
	}

	d, err := s.svc.MarkClaimed(r.Context(), req.DistributionID, req.UserAddress, amount, req.TxHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, markClaimResponse{
		Success:      true,
		ClaimedCount: d.ClaimedCount(),
		TotalClaims:  len(d.Claims),
		FullyClaimed: d.Metadata.FullyClaimed,
	})
}

type markReclaimedRequest struct {
	DistributionID uint64 `json:"distributionId"`
	// ReclaimedAmount is a decimal string in token smallest units.
	ReclaimedAmount string `json:"reclaimedAmount"`
	TxHash          string `json:"txHash"`
}

func (s *Server) handleMarkReclaimed(w http.ResponseWriter, r *http.Request) {
	var req markReclaimedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body", "send JSON with distributionId, reclaimedAmount and txHash")
		return
	}
	if req.DistributionID == 0 || req.TxHash == "" {
		s.writeBadRequest(w, "distributionId and txHash are required")
		return
	}
	amount, ok := new(big.Int).SetString(req.ReclaimedAmount, 10)
	if !ok || amount.Sign() < 0 {
		s.writeBadRequest(w, "reclaimedAmount must be a non-negative decimal string")
		return
	}

	d, err := s.svc.MarkReclaimed(r.Context(), req.DistributionID, amount, req.TxHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"reclaimedAt": d.Metadata.ReclaimedAt,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.svc.ComputeAnalytics(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
