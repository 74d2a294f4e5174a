// Package store persists distribution records. The Repository interface is
// the single typed boundary to persistence; the memory implementation backs
// tests and single-node deployments, the postgres implementation is the
// production store.
package store

import (
	"context"
	"errors"
	"math/big"

	"github.com/stablemint/merkledrop/pkg/distribution"
)

var (
	// ErrNotFound is returned when no record exists for a distribution id.
	ErrNotFound = errors.New("distribution not found")
	// ErrAlreadyExists is returned when creating a record whose id is
	// already taken.
	ErrAlreadyExists = errors.New("distribution already exists")
)

// Repository is the typed persistence boundary for distribution records.
//
// MarkClaimed and MarkReclaimed mutate one record atomically: concurrent
// claim-marking for different users on the same id must never lose an
// update. Both return the record as stored after the mutation. Claim-level
// failures surface the distribution package sentinels (ErrClaimNotFound,
// ErrAlreadyClaimed, ErrAlreadyReclaimed).
type Repository interface {
	Create(ctx context.Context, d *distribution.Distribution) error
	Get(ctx context.Context, id uint64) (*distribution.Distribution, error)
	// List returns all records ordered by id descending (newest first).
	List(ctx context.Context) ([]*distribution.Distribution, error)
	MarkClaimed(ctx context.Context, id uint64, address string, amount *big.Int, txHash string) (*distribution.Distribution, error)
	MarkReclaimed(ctx context.Context, id uint64, amount *big.Int, txHash string) (*distribution.Distribution, error)
}
