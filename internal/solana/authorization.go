package solana

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

// permitDomain separates sweep authorizations from any other message the
// owner key might sign. The off-chain delegate and the sweep program must
// agree on these bytes exactly.
var permitDomain = []byte("dustsweep/solana-permit/v1")

// nonceSource allocates monotonically increasing permit nonces per owner.
type nonceSource interface {
	Next(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

// memoryNonceSource hands out strictly increasing nonces. Callers
// serialize per (owner, chain) above this layer; the mutex here guards
// the map itself.
type memoryNonceSource struct {
	mu   sync.Mutex
	next map[solana.PublicKey]uint64
}

func newMemoryNonceSource() *memoryNonceSource {
	return &memoryNonceSource{next: make(map[solana.PublicKey]uint64)}
}

func (s *memoryNonceSource) Next(_ context.Context, owner solana.PublicKey) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next[owner]
	if n == 0 {
		// Seed from wall clock so restarts do not reissue old nonces.
		n = uint64(time.Now().UnixNano())
	}
	s.next[owner] = n + 1
	return n, nil
}

type authService struct {
	spender solana.PublicKey
	keys    KeyStore
	nonces  nonceSource
}

func newAuthService(spender solana.PublicKey, keys KeyStore, nonces nonceSource) *authService {
	return &authService{
		spender: spender,
		keys:    keys,
		nonces:  nonces,
	}
}

// PermitMessage serializes the canonical authorization message: domain,
// owner, spender, ordered (mint, amount) pairs, nonce, deadline. Pure.
func PermitMessage(
	owner, spender solana.PublicKey,
	transfers []pipeline.TokenPermission,
	nonce uint64,
	deadline time.Time,
) ([]byte, error) {
	if len(transfers) == 0 {
		return nil, fmt.Errorf("permit requires at least one transfer")
	}

	buf := new(bytes.Buffer)
	buf.Write(permitDomain)
	buf.Write(owner[:])
	buf.Write(spender[:])

	var count [2]byte
	binary.LittleEndian.PutUint16(count[:], uint16(len(transfers)))
	buf.Write(count[:])

	for _, t := range transfers {
		mint, err := solana.PublicKeyFromBase58(t.Token)
		if err != nil {
			return nil, fmt.Errorf("invalid mint %q: %w", t.Token, err)
		}
		if t.Amount == nil || !t.Amount.IsUint64() {
			return nil, fmt.Errorf("amount for mint %s does not fit u64", t.Token)
		}
		buf.Write(mint[:])
		var amount [8]byte
		binary.LittleEndian.PutUint64(amount[:], t.Amount.Uint64())
		buf.Write(amount[:])
	}

	var tail [16]byte
	binary.LittleEndian.PutUint64(tail[:8], nonce)
	binary.LittleEndian.PutUint64(tail[8:], uint64(deadline.Unix()))
	buf.Write(tail[:])

	return buf.Bytes(), nil
}

// Authorize signs the canonical permit message and verifies the signature
// against the owner key before returning it.
func (s *authService) Authorize(
	ctx context.Context,
	owner solana.PublicKey,
	transfers []pipeline.TokenPermission,
	deadline time.Time,
) (pipeline.Authorization, error) {
	if !deadline.After(time.Now()) {
		return pipeline.Authorization{}, pipeline.Errf(pipeline.KindAuthorizationExpired,
			"permit deadline %s already passed", deadline)
	}

	nonce, err := s.nonces.Next(ctx, owner)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to allocate permit nonce: %w", err)
	}

	msg, err := PermitMessage(owner, s.spender, transfers, nonce, deadline)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to build permit message: %w", err)
	}

	signer, err := s.keys.SignerFor(owner)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to resolve signer: %w", err)
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to sign permit: %w", err)
	}

	if !sig.Verify(owner, msg) {
		return pipeline.Authorization{}, pipeline.Errf(pipeline.KindSignatureMismatch,
			"permit signature does not verify against owner %s", owner)
	}

	return pipeline.Authorization{
		Owner:     owner.String(),
		Spender:   s.spender.String(),
		Transfers: transfers,
		Nonce:     new(big.Int).SetUint64(nonce),
		Deadline:  deadline,
		Digest:    msg,
		Signature: sig[:],
	}, nil
}

// VerifyPermit recomputes the canonical message and checks the ed25519
// signature. Pure: no RPC, no side effects.
func VerifyPermit(auth pipeline.Authorization) bool {
	owner, err := solana.PublicKeyFromBase58(auth.Owner)
	if err != nil {
		return false
	}
	spender, err := solana.PublicKeyFromBase58(auth.Spender)
	if err != nil {
		return false
	}
	if auth.Nonce == nil || !auth.Nonce.IsUint64() {
		return false
	}
	msg, err := PermitMessage(owner, spender, auth.Transfers, auth.Nonce.Uint64(), auth.Deadline)
	if err != nil {
		return false
	}
	if !bytes.Equal(msg, auth.Digest) {
		return false
	}
	if len(auth.Signature) != 64 {
		return false
	}
	sig := solana.SignatureFromBytes(auth.Signature)
	return sig.Verify(owner, msg)
}
