package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	ecommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dustsweep/sweeper/internal/pipeline"
)

// Typed-data schema for transfer permissions. The encoding must match the
// on-chain verifier byte for byte or signatures recover to the wrong
// address and get rejected by state, not by us.
var (
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	singlePermitTypeHash = crypto.Keccak256(
		[]byte("TransferPermit(address spender,address token,uint256 amount,uint256 nonce,uint256 deadline)"),
	)
	batchPermitTypeHash = crypto.Keccak256(
		[]byte("BatchTransferPermit(address spender,address[] tokens,uint256[] amounts,uint256 nonce,uint256 deadline)"),
	)
)

const (
	permitDomainName    = "DustSweepPermit"
	permitDomainVersion = "1"
)

// nonceSource allocates fresh unused permit nonces for an owner.
type nonceSource interface {
	UnusedNonce(ctx context.Context, owner ecommon.Address) (*big.Int, error)
}

type authService struct {
	chainID  uint64
	verifier ecommon.Address
	spender  ecommon.Address
	keys     KeyStore
	nonces   nonceSource
}

func newAuthService(chainID uint64, verifier, spender ecommon.Address, keys KeyStore, nonces nonceSource) *authService {
	return &authService{
		chainID:  chainID,
		verifier: verifier,
		spender:  spender,
		keys:     keys,
		nonces:   nonces,
	}
}

// DomainSeparator hashes the fixed EIP-712 domain for this chain and
// verifying contract. Pure.
func DomainSeparator(chainID uint64, verifier ecommon.Address) [32]byte {
	var sep [32]byte
	copy(sep[:], crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(permitDomainName)),
		crypto.Keccak256([]byte(permitDomainVersion)),
		ecommon.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
		ecommon.LeftPadBytes(verifier.Bytes(), 32),
	))
	return sep
}

// PermitDigest computes the signable digest for transfers in the caller's
// order. One transfer takes the single-permit form, more than one the
// batch form. Pure.
func PermitDigest(
	chainID uint64,
	verifier, spender ecommon.Address,
	transfers []pipeline.TokenPermission,
	nonce *big.Int,
	deadline time.Time,
) ([]byte, error) {
	if len(transfers) == 0 {
		return nil, fmt.Errorf("permit requires at least one transfer")
	}

	nonceWord := ecommon.LeftPadBytes(nonce.Bytes(), 32)
	deadlineWord := ecommon.LeftPadBytes(big.NewInt(deadline.Unix()).Bytes(), 32)

	var structHash []byte
	if len(transfers) == 1 {
		t := transfers[0]
		structHash = crypto.Keccak256(
			singlePermitTypeHash,
			ecommon.LeftPadBytes(spender.Bytes(), 32),
			ecommon.LeftPadBytes(ecommon.HexToAddress(t.Token).Bytes(), 32),
			ecommon.LeftPadBytes(t.Amount.Bytes(), 32),
			nonceWord,
			deadlineWord,
		)
	} else {
		// Array members hash as the keccak of their concatenated words,
		// amounts keyed by position to preserve the caller's ordering.
		var tokenWords, amountWords []byte
		for _, t := range transfers {
			tokenWords = append(tokenWords, ecommon.LeftPadBytes(ecommon.HexToAddress(t.Token).Bytes(), 32)...)
			amountWords = append(amountWords, ecommon.LeftPadBytes(t.Amount.Bytes(), 32)...)
		}
		structHash = crypto.Keccak256(
			batchPermitTypeHash,
			ecommon.LeftPadBytes(spender.Bytes(), 32),
			crypto.Keccak256(tokenWords),
			crypto.Keccak256(amountWords),
			nonceWord,
			deadlineWord,
		)
	}

	sep := DomainSeparator(chainID, verifier)
	return crypto.Keccak256([]byte{0x19, 0x01}, sep[:], structHash), nil
}

// Authorize builds and signs a permit covering transfers, then verifies
// the recovered signer matches owner before returning it.
func (s *authService) Authorize(
	ctx context.Context,
	owner ecommon.Address,
	transfers []pipeline.TokenPermission,
	deadline time.Time,
) (pipeline.Authorization, error) {
	if !deadline.After(time.Now()) {
		return pipeline.Authorization{}, pipeline.Errf(pipeline.KindAuthorizationExpired, "permit deadline %s already passed", deadline)
	}

	nonce, err := s.nonces.UnusedNonce(ctx, owner)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to allocate permit nonce: %w", err)
	}

	digest, err := PermitDigest(s.chainID, s.verifier, s.spender, transfers, nonce, deadline)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to compute permit digest: %w", err)
	}

	signer, err := s.keys.SignerFor(owner)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to resolve signer: %w", err)
	}

	sig, err := signer.SignDigest(ctx, digest)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to sign permit: %w", err)
	}

	auth := pipeline.Authorization{
		Owner:     owner.Hex(),
		Spender:   s.spender.Hex(),
		Transfers: transfers,
		Nonce:     nonce,
		Deadline:  deadline,
		Digest:    digest,
		Signature: sig,
	}

	recovered, err := RecoverPermitSigner(auth)
	if err != nil {
		return pipeline.Authorization{}, fmt.Errorf("failed to recover permit signer: %w", err)
	}
	if recovered != owner {
		// Never silently accepted, the on-chain verifier would treat the
		// permit as signed by a stranger.
		return pipeline.Authorization{}, pipeline.Errf(pipeline.KindSignatureMismatch,
			"recovered signer %s does not match owner %s", recovered.Hex(), owner.Hex())
	}

	return auth, nil
}

// RecoverPermitSigner recovers the address that signed the permit digest.
// Pure: no RPC, no side effects.
func RecoverPermitSigner(auth pipeline.Authorization) (ecommon.Address, error) {
	return recoverFromDigest(auth.Digest, auth.Signature)
}

// VerifyPermit checks a permit's signature against its claimed owner and
// that the recomputed digest matches the signed one.
func VerifyPermit(chainID uint64, verifier ecommon.Address, auth pipeline.Authorization) bool {
	digest, err := PermitDigest(
		chainID,
		verifier,
		ecommon.HexToAddress(auth.Spender),
		auth.Transfers,
		auth.Nonce,
		auth.Deadline,
	)
	if err != nil {
		return false
	}
	if !bytes.Equal(digest, auth.Digest) {
		return false
	}
	recovered, err := recoverFromDigest(digest, auth.Signature)
	if err != nil {
		return false
	}
	return recovered == ecommon.HexToAddress(auth.Owner)
}

func recoverFromDigest(digest, sig []byte) (ecommon.Address, error) {
	if len(sig) != 65 {
		return ecommon.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Accept both recovery-id and legacy 27/28 V encodings.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return ecommon.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
