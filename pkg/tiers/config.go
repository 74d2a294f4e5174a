package tiers

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

type fileConfig struct {
	Tiers []struct {
		Label          string `json:"label"`
		MinRatio       string `json:"minRatio"`
		RewardPerToken string `json:"rewardPerToken"`
	} `json:"tiers"`
	DistributionMinRatio string `json:"distributionMinRatio"`
	HardMinRatio         string `json:"hardMinRatio"`
	Fees                 []struct {
		Name     string `json:"name"`
		PerToken string `json:"perToken"`
	} `json:"fees"`
}

// LoadParams reads tier configuration from a JSON file. Ratios are decimal
// strings ("1.25"); rates are decimal reward-per-token values ("0.01")
// converted to RateUnit-scaled integers. Tier ordering is validated at
// load time.
func LoadParams(path string) (Params, []FeeRate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Params{}, nil, fmt.Errorf("failed to read tier config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return Params{}, nil, fmt.Errorf("failed to parse tier config: %w", err)
	}

	var p Params
	for _, t := range fc.Tiers {
		minRatio, err := parseRatio(t.MinRatio)
		if err != nil {
			return Params{}, nil, fmt.Errorf("tier %q: %w", t.Label, err)
		}
		rate, err := ParseRate(t.RewardPerToken)
		if err != nil {
			return Params{}, nil, fmt.Errorf("tier %q: %w", t.Label, err)
		}
		p.Tiers = append(p.Tiers, Tier{Label: t.Label, MinRatio: minRatio, RewardPerToken: rate})
	}
	if p.DistributionMinRatio, err = parseRatio(fc.DistributionMinRatio); err != nil {
		return Params{}, nil, fmt.Errorf("distributionMinRatio: %w", err)
	}
	if p.HardMinRatio, err = parseRatio(fc.HardMinRatio); err != nil {
		return Params{}, nil, fmt.Errorf("hardMinRatio: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, nil, fmt.Errorf("invalid tier config: %w", err)
	}

	var fees []FeeRate
	for _, f := range fc.Fees {
		rate, err := ParseRate(f.PerToken)
		if err != nil {
			return Params{}, nil, fmt.Errorf("fee %q: %w", f.Name, err)
		}
		fees = append(fees, FeeRate{Name: f.Name, PerToken: rate})
	}
	return p, fees, nil
}

func parseRatio(s string) (*big.Rat, error) {
	if s == "" {
		return nil, fmt.Errorf("ratio is required")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid ratio %q", s)
	}
	return r, nil
}

// ParseRate converts a decimal reward-per-token string to a RateUnit-scaled
// integer, truncating anything finer than 1/RateUnit.
func ParseRate(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("invalid rate %q", s)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(rateUnitBig))
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return out, nil
}
