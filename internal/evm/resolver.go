package evm

import (
	"context"
	"fmt"
	"math/big"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// codeReader is the one RPC read the resolver performs; everything else is
// offline byte hashing.
type codeReader interface {
	CodeAt(ctx context.Context, account ecommon.Address, blockNumber *big.Int) ([]byte, error)
}

type resolverService struct {
	factory      ecommon.Address
	initCodeHash [32]byte
	rpc          codeReader
}

func newResolverService(factory ecommon.Address, initCodeHash [32]byte, rpc codeReader) *resolverService {
	return &resolverService{
		factory:      factory,
		initCodeHash: initCodeHash,
		rpc:          rpc,
	}
}

// WalletSalt derives the CREATE2 salt from the owner address. Pure.
func WalletSalt(owner ecommon.Address) [32]byte {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(owner.Bytes()))
	return salt
}

// CounterfactualAddress computes the smart wallet address for owner without
// any network call. Identical inputs always yield the identical address.
func CounterfactualAddress(factory ecommon.Address, initCodeHash [32]byte, owner ecommon.Address) ecommon.Address {
	salt := WalletSalt(owner)
	return crypto.CreateAddress2(factory, salt, initCodeHash[:])
}

// Resolve returns the counterfactual wallet address for owner plus the
// factory call that deploys it.
func (s *resolverService) Resolve(owner ecommon.Address) (ecommon.Address, []byte) {
	addr := CounterfactualAddress(s.factory, s.initCodeHash, owner)
	return addr, s.deployInitCode(owner)
}

// deployInitCode is the ERC-4337 initCode field: factory address followed
// by the ABI-encoded createAccount(owner, salt) call.
func (s *resolverService) deployInitCode(owner ecommon.Address) []byte {
	salt := WalletSalt(owner)
	selector := crypto.Keccak256([]byte("createAccount(address,uint256)"))[:4]

	data := make([]byte, 0, 20+4+64)
	data = append(data, s.factory.Bytes()...)
	data = append(data, selector...)
	data = append(data, ecommon.LeftPadBytes(owner.Bytes(), 32)...)
	data = append(data, salt[:]...)
	return data
}

// IsDeployed reports whether the wallet contract exists on chain yet.
func (s *resolverService) IsDeployed(ctx context.Context, wallet ecommon.Address) (bool, error) {
	code, err := s.rpc.CodeAt(ctx, wallet, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read wallet code: %w", err)
	}
	return len(code) > 0, nil
}
