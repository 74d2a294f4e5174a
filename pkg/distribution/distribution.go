// Package distribution defines the persisted record for one
// snapshot-and-claim window and the mutations it supports. Records are
// append-only history: they are created once by the tree builder and then
// mutated in place by claim-marking and a one-shot reclaim transition,
// never deleted.
package distribution

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/stablemint/merkledrop/pkg/evm"
)

var (
	// ErrClaimNotFound is returned when an address has no claim entry in
	// the distribution.
	ErrClaimNotFound = errors.New("no claim found for address")
	// ErrAlreadyClaimed is returned when a claim has already been marked.
	ErrAlreadyClaimed = errors.New("claim already marked")
	// ErrAlreadyReclaimed is returned when the one-shot reclaim
	// transition has already happened.
	ErrAlreadyReclaimed = errors.New("distribution already reclaimed")
)

// ClaimConflictError wraps ErrAlreadyClaimed with the existing claim
// timestamp so callers can reconcile.
type ClaimConflictError struct {
	Address   string
	ClaimedAt time.Time
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("claim for %s already marked at %s", e.Address, e.ClaimedAt.UTC().Format(time.RFC3339))
}

func (e *ClaimConflictError) Unwrap() error { return ErrAlreadyClaimed }

// ReclaimConflictError wraps ErrAlreadyReclaimed with the existing reclaim
// timestamp.
type ReclaimConflictError struct {
	ReclaimedAt time.Time
}

func (e *ReclaimConflictError) Error() string {
	return fmt.Sprintf("distribution already reclaimed at %s", e.ReclaimedAt.UTC().Format(time.RFC3339))
}

func (e *ReclaimConflictError) Unwrap() error { return ErrAlreadyReclaimed }

// Claim is one leaf of the Merkle tree. Index is the leaf position in the
// frozen snapshot ordering, dense and unique within a distribution.
type Claim struct {
	Index         uint32     `json:"index"`
	Account       string     `json:"account"` // lowercased 0x address
	Amount        *big.Int   `json:"amount"`
	Proof         []string   `json:"proof"` // 0x-prefixed sibling hashes, leaf to root
	Claimed       bool       `json:"claimed"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`
	ClaimedAmount *big.Int   `json:"claimedAmount,omitempty"`
	ClaimTxHash   string     `json:"claimTxHash,omitempty"`
}

// Metadata carries generation and lifecycle bookkeeping for a distribution.
type Metadata struct {
	GeneratedAt         time.Time  `json:"generatedAt"`
	EligibleHolderCount int        `json:"eligibleHolderCount"`
	TotalHolderCount    int        `json:"totalHolderCount"`
	ExcludedAddresses   []string   `json:"excludedAddresses,omitempty"`
	Reclaimed           bool       `json:"reclaimed"`
	ReclaimedAt         *time.Time `json:"reclaimedAt,omitempty"`
	ReclaimedAmount     *big.Int   `json:"reclaimedAmount,omitempty"`
	ReclaimTxHash       string     `json:"reclaimTxHash,omitempty"`
	FullyClaimed        bool       `json:"fullyClaimed"`
	FullyClaimedAt      *time.Time `json:"fullyClaimedAt,omitempty"`
}

// Distribution is one snapshot-and-claim window. The claims map is keyed by
// lowercased 0x address.
type Distribution struct {
	ID           uint64            `json:"id"`
	MerkleRoot   evm.Hash          `json:"merkleRoot"`
	TotalRewards *big.Int          `json:"totalRewards"`
	Claims       map[string]*Claim `json:"claims"`
	Metadata     Metadata          `json:"metadata"`
}

// Status is the lifecycle state derived for a distribution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusReclaimed Status = "reclaimed"
)

// ApplyClaim marks the claim for address as claimed. It fails with
// ErrClaimNotFound when the address has no entry and with a
// ClaimConflictError when the claim is already marked. On success it
// recomputes FullyClaimed and stamps FullyClaimedAt the first time it
// becomes true; the stamp is monotonic and never reset.
func (d *Distribution) ApplyClaim(address string, amount *big.Int, txHash string, now time.Time) error {
	c, ok := d.Claims[address]
	if !ok {
		return fmt.Errorf("%w: %s in distribution %d", ErrClaimNotFound, address, d.ID)
	}
	if c.Claimed {
		at := now
		if c.ClaimedAt != nil {
			at = *c.ClaimedAt
		}
		return &ClaimConflictError{Address: address, ClaimedAt: at}
	}
	c.Claimed = true
	ts := now.UTC()
	c.ClaimedAt = &ts
	if amount != nil {
		c.ClaimedAmount = new(big.Int).Set(amount)
	}
	c.ClaimTxHash = txHash

	if !d.Metadata.FullyClaimed && d.allClaimed() {
		d.Metadata.FullyClaimed = true
		d.Metadata.FullyClaimedAt = &ts
	}
	return nil
}

// ApplyReclaim records the one-shot reclaim transition. Repeated calls
// after the first are rejected with a ReclaimConflictError, not silently
// accepted.
func (d *Distribution) ApplyReclaim(amount *big.Int, txHash string, now time.Time) error {
	if d.Metadata.Reclaimed {
		at := now
		if d.Metadata.ReclaimedAt != nil {
			at = *d.Metadata.ReclaimedAt
		}
		return &ReclaimConflictError{ReclaimedAt: at}
	}
	d.Metadata.Reclaimed = true
	ts := now.UTC()
	d.Metadata.ReclaimedAt = &ts
	if amount != nil {
		d.Metadata.ReclaimedAmount = new(big.Int).Set(amount)
	}
	d.Metadata.ReclaimTxHash = txHash
	return nil
}

// ClaimedCount returns how many claims have been marked.
func (d *Distribution) ClaimedCount() int {
	n := 0
	for _, c := range d.Claims {
		if c.Claimed {
			n++
		}
	}
	return n
}

// TotalClaimed sums the amounts of all marked claims.
func (d *Distribution) TotalClaimed() *big.Int {
	total := new(big.Int)
	for _, c := range d.Claims {
		if c.Claimed {
			total.Add(total, c.Amount)
		}
	}
	return total
}

func (d *Distribution) allClaimed() bool {
	for _, c := range d.Claims {
		if !c.Claimed {
			return false
		}
	}
	return len(d.Claims) > 0
}

// Clone returns a deep copy, so stores can hand records out without
// exposing internal state to callers.
func (d *Distribution) Clone() *Distribution {
	out := &Distribution{
		ID:         d.ID,
		MerkleRoot: d.MerkleRoot,
		Metadata:   d.Metadata,
		Claims:     make(map[string]*Claim, len(d.Claims)),
	}
	if d.TotalRewards != nil {
		out.TotalRewards = new(big.Int).Set(d.TotalRewards)
	}
	if d.Metadata.ExcludedAddresses != nil {
		out.Metadata.ExcludedAddresses = append([]string(nil), d.Metadata.ExcludedAddresses...)
	}
	if d.Metadata.ReclaimedAmount != nil {
		out.Metadata.ReclaimedAmount = new(big.Int).Set(d.Metadata.ReclaimedAmount)
	}
	for addr, c := range d.Claims {
		cc := *c
		if c.Amount != nil {
			cc.Amount = new(big.Int).Set(c.Amount)
		}
		if c.ClaimedAmount != nil {
			cc.ClaimedAmount = new(big.Int).Set(c.ClaimedAmount)
		}
		cc.Proof = append([]string(nil), c.Proof...)
		out.Claims[addr] = &cc
	}
	return out
}
