// Package merkle builds the claim tree for a distribution: leaf hashing,
// sibling proofs, and the holder-snapshot pipeline that turns balances
// into a claimable record.
package merkle

import (
	"bytes"
	"math/big"

	"github.com/stablemint/merkledrop/pkg/evm"
)

// Leaf hashes one claim entry as
// keccak256(uint256(index) || account || uint256(amount)).
// This encoding is the on-chain verifier's contract; changing it breaks
// every previously issued proof and must never be done retroactively.
func Leaf(index uint32, account evm.Address, amount *big.Int) evm.Hash {
	var buf [84]byte // 32 + 20 + 32
	big.NewInt(int64(index)).FillBytes(buf[:32])
	copy(buf[32:52], account[:])
	amount.FillBytes(buf[52:])
	return evm.Keccak256(buf[:])
}

// hashPair hashes two sibling nodes with the pair sorted bytewise first,
// so proof verification does not need left/right position bits.
func hashPair(a, b evm.Hash) evm.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return evm.Keccak256(a[:], b[:])
}

// computeTree builds the tree bottom-up and returns the root along with a
// sibling path for every leaf. An odd trailing node is promoted to the next
// level unchanged.
func computeTree(leaves []evm.Hash) (evm.Hash, [][]evm.Hash) {
	proofs := make([][]evm.Hash, len(leaves))
	if len(leaves) == 0 {
		return evm.Hash{}, proofs
	}

	// position[i] tracks where leaf i currently sits in the level.
	position := make([]int, len(leaves))
	for i := range position {
		position[i] = i
	}

	level := append([]evm.Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]evm.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		for leaf, pos := range position {
			sibling := pos ^ 1
			if sibling < len(level) {
				proofs[leaf] = append(proofs[leaf], level[sibling])
			}
			position[leaf] = pos / 2
		}
		level = next
	}
	return level[0], proofs
}

// VerifyProof checks a sibling path from leaf to root.
func VerifyProof(root, leaf evm.Hash, proof []evm.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}
