package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/stablemint/merkledrop/pkg/evm"
	"github.com/stablemint/merkledrop/pkg/merkle"
)

// snapshotPayload is the wire form served by the balance snapshot
// endpoint. Numeric fields are decimal strings so amounts survive JSON
// number precision.
type snapshotPayload struct {
	Holders []struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	} `json:"holders"`
	Excluded        []string `json:"excluded,omitempty"`
	CurrentRatio    string   `json:"currentRatio"`
	TotalSupply     string   `json:"totalSupply"`
	CollateralValue string   `json:"collateralValue"`
}

type HTTPSnapshotSourceConfig struct {
	// URL serves the holder/collateral snapshot as JSON.
	URL        string
	HTTPClient *http.Client
}

func (cfg *HTTPSnapshotSourceConfig) Validate() error {
	if cfg.URL == "" {
		return errors.New("snapshot url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return nil
}

// HTTPSnapshotSource pulls holder balances and collateral figures from the
// balance service.
type HTTPSnapshotSource struct {
	cfg HTTPSnapshotSourceConfig
}

func NewHTTPSnapshotSource(cfg HTTPSnapshotSourceConfig) (*HTTPSnapshotSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPSnapshotSource{cfg: cfg}, nil
}

func (s *HTTPSnapshotSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot request: %w", err)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return payload.toSnapshot()
}

func (p *snapshotPayload) toSnapshot() (*Snapshot, error) {
	snap := &Snapshot{Excluded: p.Excluded}

	for _, h := range p.Holders {
		addr, err := evm.ParseAddress(h.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid holder address %q: %w", h.Address, err)
		}
		balance, ok := new(big.Int).SetString(h.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance %q for holder %s", h.Balance, h.Address)
		}
		snap.Holders = append(snap.Holders, merkle.Holder{Address: addr, Balance: balance})
	}

	ratio, ok := new(big.Rat).SetString(p.CurrentRatio)
	if !ok {
		return nil, fmt.Errorf("invalid currentRatio %q", p.CurrentRatio)
	}
	snap.CurrentRatio = ratio

	supply, ok := new(big.Int).SetString(p.TotalSupply, 10)
	if !ok {
		return nil, fmt.Errorf("invalid totalSupply %q", p.TotalSupply)
	}
	snap.TotalSupply = supply

	collateral, ok := new(big.Int).SetString(p.CollateralValue, 10)
	if !ok {
		return nil, fmt.Errorf("invalid collateralValue %q", p.CollateralValue)
	}
	snap.CollateralValue = collateral

	return snap, nil
}
