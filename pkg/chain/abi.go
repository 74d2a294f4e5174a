package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/stablemint/merkledrop/pkg/evm"
)

// The distributor contract exposes a small fixed ABI, so the codec here
// covers exactly what those calls need: 4-byte selectors plus 32-byte
// words for uint256, address, bytes32 and bool.

const wordSize = 32

// selector returns the first four bytes of keccak256 of the canonical
// function signature, e.g. "isClaimed(uint256,uint256)".
func selector(signature string) []byte {
	h := evm.Keccak256([]byte(signature))
	return h[:4]
}

// encodeCall builds calldata from a signature and pre-encoded 32-byte words.
func encodeCall(signature string, words ...[]byte) string {
	data := make([]byte, 0, 4+len(words)*wordSize)
	data = append(data, selector(signature)...)
	for _, w := range words {
		data = append(data, w...)
	}
	return "0x" + hex.EncodeToString(data)
}

func wordFromBig(v *big.Int) []byte {
	w := make([]byte, wordSize)
	v.FillBytes(w)
	return w
}

func wordFromUint64(v uint64) []byte {
	return wordFromBig(new(big.Int).SetUint64(v))
}

func wordFromAddress(a evm.Address) []byte {
	w := make([]byte, wordSize)
	copy(w[12:], a[:])
	return w
}

func wordFromHash(h evm.Hash) []byte {
	w := make([]byte, wordSize)
	copy(w, h[:])
	return w
}

// decodeWords splits a 0x-prefixed eth_call return payload into 32-byte
// words and checks it contains at least min of them.
func decodeWords(payload string, min int) ([][]byte, error) {
	raw := strings.TrimPrefix(payload, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid return payload: %w", err)
	}
	if len(b)%wordSize != 0 {
		return nil, fmt.Errorf("invalid return payload length %d", len(b))
	}
	words := make([][]byte, 0, len(b)/wordSize)
	for i := 0; i < len(b); i += wordSize {
		words = append(words, b[i:i+wordSize])
	}
	if len(words) < min {
		return nil, fmt.Errorf("expected at least %d return words, got %d", min, len(words))
	}
	return words, nil
}

func wordToBig(w []byte) *big.Int {
	return new(big.Int).SetBytes(w)
}

func wordToUint64(w []byte) (uint64, error) {
	v := wordToBig(w)
	if !v.IsUint64() {
		return 0, fmt.Errorf("return word overflows uint64: %s", v)
	}
	return v.Uint64(), nil
}

func wordToBool(w []byte) bool {
	return wordToBig(w).Sign() != 0
}

func wordToHash(w []byte) evm.Hash {
	var h evm.Hash
	copy(h[:], w)
	return h
}
