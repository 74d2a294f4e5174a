package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stablemint/merkledrop/pkg/evm"
)

func TestMerkledrop_Chain_ABI(t *testing.T) {
	t.Parallel()

	t.Run("selector matches the known transfer signature", func(t *testing.T) {
		t.Parallel()
		// keccak256("transfer(address,uint256)")[:4] == a9059cbb.
		require.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, selector("transfer(address,uint256)"))
	})

	t.Run("encodeCall packs selector and 32-byte words", func(t *testing.T) {
		t.Parallel()
		data := encodeCall("isClaimed(uint256,uint256)", wordFromUint64(7), wordFromUint64(3))
		require.Len(t, data, 2+8+2*64) // 0x + selector + two words
		require.Equal(t, "0x", data[:2])
		require.Equal(t,
			"0000000000000000000000000000000000000000000000000000000000000007",
			data[10:74])
		require.Equal(t,
			"0000000000000000000000000000000000000000000000000000000000000003",
			data[74:])
	})

	t.Run("big integers round-trip through words", func(t *testing.T) {
		t.Parallel()
		v, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
		require.True(t, ok)
		w := wordFromBig(v)
		require.Equal(t, 0, wordToBig(w).Cmp(v))
	})

	t.Run("addresses are left padded", func(t *testing.T) {
		t.Parallel()
		addr, err := evm.ParseAddress("0x00000000000000000000000000000000000000ff")
		require.NoError(t, err)
		w := wordFromAddress(addr)
		require.Equal(t, byte(0xff), w[31])
		for i := 0; i < 12; i++ {
			require.Equal(t, byte(0), w[i])
		}
	})

	t.Run("decodeWords rejects short payloads", func(t *testing.T) {
		t.Parallel()
		_, err := decodeWords("0x"+"00", 1)
		require.Error(t, err)
	})

	t.Run("decodeWords splits a multi-word payload", func(t *testing.T) {
		t.Parallel()
		data := encodeCall("x()", wordFromUint64(1), wordFromUint64(2))
		words, err := decodeWords("0x"+data[10:], 2)
		require.NoError(t, err)
		require.Len(t, words, 2)
		first, err := wordToUint64(words[0])
		require.NoError(t, err)
		require.EqualValues(t, 1, first)
		second, err := wordToUint64(words[1])
		require.NoError(t, err)
		require.EqualValues(t, 2, second)
		require.True(t, wordToBool(words[0]))
	})
}
