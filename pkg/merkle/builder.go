package merkle

import (
	"errors"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/stablemint/merkledrop/pkg/distribution"
	"github.com/stablemint/merkledrop/pkg/evm"
	"github.com/stablemint/merkledrop/pkg/tiers"
)

var (
	// ErrNoHoldersFound is returned when exclusion and zero-balance
	// filtering leave no holders before rewards are even computed.
	ErrNoHoldersFound = errors.New("no holders found after exclusions")
	// ErrNoEligibleHolders is returned when every remaining holder's
	// computed reward truncates to zero.
	ErrNoEligibleHolders = errors.New("no holders with non-zero rewards")
)

// Holder is one entry of the balance snapshot, ephemeral to tree
// construction. Balance is in token smallest units.
type Holder struct {
	Address evm.Address
	Balance *big.Int
}

// Build turns a holder snapshot into a claimable distribution record.
//
// Pipeline, in order: drop excluded addresses (case-insensitive) and zero
// balances; compute floor(balance * rewardPerToken / RateUnit) per holder;
// drop holders whose reward truncated to zero; freeze the remaining order
// and assign dense leaf indices; hash leaves and build the tree.
//
// Truncation never rounds up, so TotalRewards may be strictly less than
// supply * rate; the sum of claim amounts always equals TotalRewards
// exactly. The returned record has no ID; the caller assigns the id the
// distributor contract hands out.
func Build(holders []Holder, excluded []string, rewardPerToken *big.Int, now time.Time) (*distribution.Distribution, error) {
	excludedSet := make(map[string]struct{}, len(excluded))
	for _, addr := range excluded {
		excludedSet[strings.ToLower(addr)] = struct{}{}
	}

	kept := make([]Holder, 0, len(holders))
	for _, h := range holders {
		if _, skip := excludedSet[h.Address.Hex()]; skip {
			continue
		}
		if h.Balance == nil || h.Balance.Sign() == 0 {
			continue
		}
		kept = append(kept, h)
	}
	if len(kept) == 0 {
		return nil, ErrNoHoldersFound
	}

	rateUnit := big.NewInt(tiers.RateUnit)
	type entry struct {
		holder Holder
		reward *big.Int
	}
	eligible := make([]entry, 0, len(kept))
	for _, h := range kept {
		reward := new(big.Int).Mul(h.Balance, rewardPerToken)
		reward.Quo(reward, rateUnit)
		if reward.Sign() == 0 {
			continue
		}
		eligible = append(eligible, entry{holder: h, reward: reward})
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleHolders
	}

	// The order is frozen here; indices are leaf positions and re-sorting
	// would invalidate every proof.
	leaves := make([]evm.Hash, len(eligible))
	total := new(big.Int)
	for i, e := range eligible {
		leaves[i] = Leaf(uint32(i), e.holder.Address, e.reward)
		total.Add(total, e.reward)
	}
	root, proofs := computeTree(leaves)

	d := &distribution.Distribution{
		MerkleRoot:   root,
		TotalRewards: total,
		Claims:       make(map[string]*distribution.Claim, len(eligible)),
		Metadata: distribution.Metadata{
			GeneratedAt:         now.UTC(),
			EligibleHolderCount: len(eligible),
			TotalHolderCount:    len(holders),
			ExcludedAddresses:   sortedExcluded(excludedSet),
		},
	}
	for i, e := range eligible {
		proof := make([]string, len(proofs[i]))
		for j, h := range proofs[i] {
			proof[j] = h.Hex()
		}
		d.Claims[e.holder.Address.Hex()] = &distribution.Claim{
			Index:   uint32(i),
			Account: e.holder.Address.Hex(),
			Amount:  e.reward,
			Proof:   proof,
		}
	}
	return d, nil
}

func sortedExcluded(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}
