package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so the caller can decide whether a
// re-enqueue with a fresh intent makes sense.
type Kind string

const (
	KindAddressDerivation        Kind = "address_derivation"
	KindSignatureMismatch        Kind = "signature_mismatch"
	KindAuthorizationExpired     Kind = "authorization_expired"
	KindNonceExhausted           Kind = "nonce_exhausted"
	KindNonceConflict            Kind = "nonce_conflict"
	KindSponsorshipRejected      Kind = "sponsorship_rejected"
	KindFeeEstimationUnavailable Kind = "fee_estimation_unavailable"
	KindSimulationReverted       Kind = "simulation_reverted"
	KindBundlerTimeout           Kind = "bundler_timeout"
	KindStaleBlockhash           Kind = "stale_blockhash"
	KindInternal                 Kind = "internal"
)

// Error carries the failure kind plus the last state the pipeline reached
// before abandoning the intent.
type Error struct {
	Kind  Kind
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline failed at %s (%s): %v", e.State, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errf wraps err with a kind; the coordinator fills in the state.
func Errf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind, KindInternal if err is untagged.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
