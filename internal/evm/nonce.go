package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

// Permit nonces live in a per-owner bitmap on the verifying contract:
// nonce = wordPos*256 + bitPos, a set bit means consumed.
const maxNonceWords = 8

type contractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type rpcNonceSource struct {
	verifier ecommon.Address
	rpc      contractCaller
}

func newRPCNonceSource(verifier ecommon.Address, rpc contractCaller) *rpcNonceSource {
	return &rpcNonceSource{
		verifier: verifier,
		rpc:      rpc,
	}
}

var nonceBitmapSelector = crypto.Keccak256([]byte("nonceBitmap(address,uint256)"))[:4]

// UnusedNonce scans the owner's on-chain nonce bitmap for the first free
// bit. Callers serialize per (owner, chain); two concurrent scans would
// hand out the same nonce.
func (s *rpcNonceSource) UnusedNonce(ctx context.Context, owner ecommon.Address) (*big.Int, error) {
	for word := int64(0); word < maxNonceWords; word++ {
		bitmap, err := s.readWord(ctx, owner, big.NewInt(word))
		if err != nil {
			return nil, fmt.Errorf("failed to read nonce bitmap word %d: %w", word, err)
		}
		for bit := int64(0); bit < 256; bit++ {
			if bitmap.Bit(int(bit)) == 0 {
				return big.NewInt(word*256 + bit), nil
			}
		}
	}
	return nil, pipeline.Errf(pipeline.KindNonceExhausted,
		"owner %s consumed all %d permit nonces", owner.Hex(), maxNonceWords*256)
}

func (s *rpcNonceSource) readWord(ctx context.Context, owner ecommon.Address, word *big.Int) (*big.Int, error) {
	data := make([]byte, 0, 4+64)
	data = append(data, nonceBitmapSelector...)
	data = append(data, ecommon.LeftPadBytes(owner.Bytes(), 32)...)
	data = append(data, ecommon.LeftPadBytes(word.Bytes(), 32)...)

	out, err := s.rpc.CallContract(ctx, ethereum.CallMsg{To: &s.verifier, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("unexpected bitmap response length %d", len(out))
	}
	return new(big.Int).SetBytes(out), nil
}
