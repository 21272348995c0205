package intent

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dustsweep/sweeper/internal/chain"
)

// DestinationCall is one encoded call the swept funds flow through,
// supplied by the destination catalog.
type DestinationCall struct {
	// Target is the destination contract or program, chain-native encoding
	// (0x-hex on EVM, base58 on Solana).
	Target string

	// Token identifies the asset this call moves, used to match simulated
	// balance deltas against ExpectedMinOut.
	Token string

	// Amount of Token this call moves out of the owner's balance; covered
	// by the intent's Authorization.
	Amount *big.Int

	Data  []byte
	Value *big.Int

	// ExpectedMinOut is the lower bound on the output credited by this
	// call. Zero means no bound.
	ExpectedMinOut *big.Int
}

// Intent is the unit of work: sweep the listed calls for one owner on one
// chain before the deadline. Immutable once constructed.
type Intent struct {
	Owner    string
	Calls    []DestinationCall
	Deadline time.Time
	Chain    chain.Target
}

func New(owner string, calls []DestinationCall, deadline time.Time, target chain.Target) (Intent, error) {
	if owner == "" {
		return Intent{}, fmt.Errorf("intent: owner is required")
	}
	if len(calls) == 0 {
		return Intent{}, fmt.Errorf("intent: at least one destination call is required")
	}
	if err := target.Validate(); err != nil {
		return Intent{}, fmt.Errorf("intent: %w", err)
	}
	return Intent{
		Owner:    owner,
		Calls:    calls,
		Deadline: deadline,
		Chain:    target,
	}, nil
}

// Fingerprint is the content hash identifying this intent for idempotency.
// Two intents with the same owner, calls, deadline and chain collapse to
// one pipeline run.
func (i Intent) Fingerprint() string {
	h := crypto.NewKeccakState()

	write := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	write([]byte(i.Owner))
	write([]byte(i.Chain.Name))

	var deadline [8]byte
	binary.BigEndian.PutUint64(deadline[:], uint64(i.Deadline.Unix()))
	h.Write(deadline[:])

	for _, c := range i.Calls {
		write([]byte(c.Target))
		write([]byte(c.Token))
		write(bigBytes(c.Amount))
		write(c.Data)
		write(bigBytes(c.Value))
		write(bigBytes(c.ExpectedMinOut))
	}

	var sum [32]byte
	h.Read(sum[:])
	return hex.EncodeToString(sum[:])
}

func bigBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}
