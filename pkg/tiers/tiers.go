// Package tiers computes the reward rate a distribution may mint at, given
// the current collateralization ratio, and scales the resulting mint plan
// down when it would push the post-mint ratio under the hard minimum.
package tiers

import (
	"errors"
	"fmt"
	"math/big"
)

// RateUnit is the fixed-point scale for reward-per-token rates. A rate of
// 0.01 reward tokens per held token is stored as 0.01 * RateUnit = 1e6.
// Changing this constant invalidates every previously issued proof, so it
// must never change once distributions exist.
const RateUnit = 100_000_000

var rateUnitBig = big.NewInt(RateUnit)

// Tier is one reward band. A ratio at or above MinRatio qualifies for
// RewardPerToken (RateUnit-scaled).
type Tier struct {
	Label          string
	MinRatio       *big.Rat
	RewardPerToken *big.Int
}

// FeeRate is an auxiliary per-token mint obligation (RateUnit-scaled) paid
// to a protocol recipient on top of the holder rewards.
type FeeRate struct {
	Name     string
	PerToken *big.Int
}

// Params holds the validated tier configuration.
type Params struct {
	// Tiers must be ordered by strictly increasing MinRatio with
	// non-decreasing RewardPerToken.
	Tiers []Tier
	// DistributionMinRatio gates whether any distribution may happen.
	DistributionMinRatio *big.Rat
	// HardMinRatio is the post-mint collateralization floor used for
	// safety scaling.
	HardMinRatio *big.Rat
}

func (p *Params) Validate() error {
	if len(p.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	if p.DistributionMinRatio == nil || p.DistributionMinRatio.Sign() <= 0 {
		return errors.New("distribution min ratio must be positive")
	}
	if p.HardMinRatio == nil || p.HardMinRatio.Sign() <= 0 {
		return errors.New("hard min ratio must be positive")
	}
	for i, t := range p.Tiers {
		if t.Label == "" {
			return fmt.Errorf("tier %d: label is required", i)
		}
		if t.MinRatio == nil || t.MinRatio.Sign() <= 0 {
			return fmt.Errorf("tier %q: min ratio must be positive", t.Label)
		}
		if t.RewardPerToken == nil || t.RewardPerToken.Sign() < 0 {
			return fmt.Errorf("tier %q: reward per token must be non-negative", t.Label)
		}
		if i > 0 {
			prev := p.Tiers[i-1]
			if t.MinRatio.Cmp(prev.MinRatio) <= 0 {
				return fmt.Errorf("tier %q: min ratio %s must be strictly greater than tier %q (%s)",
					t.Label, t.MinRatio.FloatString(4), prev.Label, prev.MinRatio.FloatString(4))
			}
			if t.RewardPerToken.Cmp(prev.RewardPerToken) < 0 {
				return fmt.Errorf("tier %q: reward per token must not decrease from tier %q", t.Label, prev.Label)
			}
		}
	}
	return nil
}

// Result is the outcome of a tier selection.
type Result struct {
	RewardPerToken *big.Int // RateUnit-scaled; zero when CanDistribute is false
	TierLabel      string
	CanDistribute  bool
}

// Compute selects the reward rate for the current collateralization ratio.
// The scan runs from the highest tier down and the first tier whose
// MinRatio <= current wins; a ratio exactly at a boundary selects that
// tier, not the one below.
func Compute(current *big.Rat, p Params) Result {
	none := Result{RewardPerToken: new(big.Int)}
	if current == nil || current.Sign() <= 0 {
		return none
	}
	if current.Cmp(p.DistributionMinRatio) < 0 {
		return none
	}
	for i := len(p.Tiers) - 1; i >= 0; i-- {
		t := p.Tiers[i]
		if t.MinRatio.Cmp(current) <= 0 {
			return Result{
				RewardPerToken: new(big.Int).Set(t.RewardPerToken),
				TierLabel:      t.Label,
				CanDistribute:  true,
			}
		}
	}
	return none
}

// FeeAmount is a concrete fee obligation in token smallest units.
type FeeAmount struct {
	Name   string
	Amount *big.Int
}

// MintPlan is the full mint obligation for one distribution, after safety
// scaling.
type MintPlan struct {
	// RewardPerToken is the effective RateUnit-scaled holder rate. Equal
	// to the tier rate unless the plan was scaled down.
	RewardPerToken *big.Int
	// RewardTotal is totalSupply * RewardPerToken / RateUnit.
	RewardTotal *big.Int
	Fees        []FeeAmount
	Total       *big.Int
	// Scaled reports whether safety scaling was applied; ScaleFactor is
	// the common factor applied to every beneficiary (1 when unscaled).
	Scaled      bool
	ScaleFactor *big.Rat
}

// PlanMint computes the total mint obligation for the given rate and scales
// every minted quantity down by a common factor when minting it all would
// drop the post-mint ratio collateralValue/(supply+minted) below hardMin.
// The scaled plan lands the post-mint ratio at hardMin within integer
// rounding, never below it. No fee is protected from scaling.
func PlanMint(rewardPerToken, totalSupply, collateralValue *big.Int, fees []FeeRate, hardMin *big.Rat) MintPlan {
	plan := MintPlan{
		RewardPerToken: new(big.Int).Set(rewardPerToken),
		RewardTotal:    perTokenAmount(totalSupply, rewardPerToken),
		ScaleFactor:    big.NewRat(1, 1),
	}
	total := new(big.Int).Set(plan.RewardTotal)
	for _, f := range fees {
		amt := perTokenAmount(totalSupply, f.PerToken)
		plan.Fees = append(plan.Fees, FeeAmount{Name: f.Name, Amount: amt})
		total.Add(total, amt)
	}
	plan.Total = total

	if total.Sign() == 0 {
		return plan
	}

	// maxMintable = floor(collateralValue / hardMin) - supply
	maxMintable := new(big.Int).Mul(collateralValue, hardMin.Denom())
	maxMintable.Quo(maxMintable, hardMin.Num())
	maxMintable.Sub(maxMintable, totalSupply)
	if maxMintable.Sign() < 0 {
		maxMintable.SetInt64(0)
	}
	if total.Cmp(maxMintable) <= 0 {
		return plan
	}

	factor := new(big.Rat).SetFrac(maxMintable, total)
	plan.Scaled = true
	plan.ScaleFactor = factor
	plan.RewardPerToken = scaleInt(plan.RewardPerToken, factor)
	plan.RewardTotal = scaleInt(plan.RewardTotal, factor)
	scaledTotal := new(big.Int).Set(plan.RewardTotal)
	for i := range plan.Fees {
		plan.Fees[i].Amount = scaleInt(plan.Fees[i].Amount, factor)
		scaledTotal.Add(scaledTotal, plan.Fees[i].Amount)
	}
	plan.Total = scaledTotal
	return plan
}

// perTokenAmount returns floor(supply * rate / RateUnit).
func perTokenAmount(supply, rate *big.Int) *big.Int {
	out := new(big.Int).Mul(supply, rate)
	return out.Quo(out, rateUnitBig)
}

// scaleInt returns floor(v * factor).
func scaleInt(v *big.Int, factor *big.Rat) *big.Int {
	out := new(big.Int).Mul(v, factor.Num())
	return out.Quo(out, factor.Denom())
}
