package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces 65-byte [R || S || V] signatures over 32-byte digests.
type Signer interface {
	Address() ecommon.Address
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// KeyStore resolves the signing key for an owner address.
type KeyStore interface {
	SignerFor(owner ecommon.Address) (Signer, error)
}

type localSigner struct {
	key  *ecdsa.PrivateKey
	addr ecommon.Address
}

// NewLocalSigner wraps an in-process ECDSA key.
func NewLocalSigner(key *ecdsa.PrivateKey) Signer {
	return &localSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *localSigner) Address() ecommon.Address {
	return s.addr
}

func (s *localSigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// LocalKeyStore holds in-process keys indexed by address.
type LocalKeyStore struct {
	signers map[ecommon.Address]Signer
}

func NewLocalKeyStore(keys ...*ecdsa.PrivateKey) *LocalKeyStore {
	signers := make(map[ecommon.Address]Signer, len(keys))
	for _, k := range keys {
		s := NewLocalSigner(k)
		signers[s.Address()] = s
	}
	return &LocalKeyStore{signers: signers}
}

func (ks *LocalKeyStore) SignerFor(owner ecommon.Address) (Signer, error) {
	s, ok := ks.signers[owner]
	if !ok {
		return nil, fmt.Errorf("no signing key for owner %s", owner.Hex())
	}
	return s, nil
}
