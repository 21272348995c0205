package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer signs transaction messages with the owner's ed25519 key.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(msg []byte) (solana.Signature, error)
}

// KeyStore resolves the signing key for an owner account.
type KeyStore interface {
	SignerFor(owner solana.PublicKey) (Signer, error)
}

type localSigner struct {
	key solana.PrivateKey
}

// NewLocalSigner wraps an in-process ed25519 key.
func NewLocalSigner(key solana.PrivateKey) Signer {
	return &localSigner{key: key}
}

func (s *localSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *localSigner) Sign(msg []byte) (solana.Signature, error) {
	sig, err := s.key.Sign(msg)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// LocalKeyStore holds in-process keys indexed by public key.
type LocalKeyStore struct {
	signers map[solana.PublicKey]Signer
}

func NewLocalKeyStore(keys ...solana.PrivateKey) *LocalKeyStore {
	signers := make(map[solana.PublicKey]Signer, len(keys))
	for _, k := range keys {
		signers[k.PublicKey()] = NewLocalSigner(k)
	}
	return &LocalKeyStore{signers: signers}
}

func (ks *LocalKeyStore) SignerFor(owner solana.PublicKey) (Signer, error) {
	s, ok := ks.signers[owner]
	if !ok {
		return nil, fmt.Errorf("no signing key for owner %s", owner)
	}
	return s, nil
}
