package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

// bitmapCaller serves nonceBitmap words from a fixed slice, keyed by the
// word index in the calldata.
type bitmapCaller struct {
	words []*big.Int
}

func (c bitmapCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	word := new(big.Int).SetBytes(call.Data[4+32:])
	idx := word.Int64()
	if idx >= int64(len(c.words)) {
		return make([]byte, 32), nil
	}
	return ecommon.LeftPadBytes(c.words[idx].Bytes(), 32), nil
}

func fullWord() *big.Int {
	full := new(big.Int).Lsh(big.NewInt(1), 256)
	return full.Sub(full, big.NewInt(1))
}

func TestUnusedNonce(t *testing.T) {
	owner := ecommon.HexToAddress("0x1000000000000000000000000000000000000001")
	verifier := ecommon.HexToAddress("0x00000000000000000000000000000000000000aa")

	tests := []struct {
		name  string
		words []*big.Int
		want  int64
	}{
		{
			name:  "empty bitmap",
			words: []*big.Int{big.NewInt(0)},
			want:  0,
		},
		{
			name:  "low bits consumed",
			words: []*big.Int{big.NewInt(0b0111)},
			want:  3,
		},
		{
			name:  "first word full",
			words: []*big.Int{fullWord(), big.NewInt(0)},
			want:  256,
		},
		{
			name:  "first word full, second partially consumed",
			words: []*big.Int{fullWord(), big.NewInt(0b1)},
			want:  257,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newRPCNonceSource(verifier, bitmapCaller{words: tt.words})
			nonce, err := src.UnusedNonce(context.Background(), owner)
			require.NoError(t, err)
			require.Equal(t, tt.want, nonce.Int64())
		})
	}
}

func TestUnusedNonceExhausted(t *testing.T) {
	words := make([]*big.Int, maxNonceWords)
	for i := range words {
		words[i] = fullWord()
	}

	src := newRPCNonceSource(ecommon.HexToAddress("0xaa"), bitmapCaller{words: words})
	_, err := src.UnusedNonce(context.Background(), ecommon.HexToAddress("0x01"))
	require.Error(t, err)
	require.Equal(t, pipeline.KindNonceExhausted, pipeline.KindOf(err))
}
