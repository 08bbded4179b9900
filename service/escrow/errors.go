package escrow

import (
	"errors"

	"github.com/meridianlabs/escrowd/service/db"
)

var (
	// ErrValidation marks malformed input (addresses, amounts, ids). Safe to
	// surface verbatim.
	ErrValidation = errors.New("validation failed")

	// ErrWrongActor marks a caller wallet that does not hold the role the
	// operation requires.
	ErrWrongActor = errors.New("wrong actor")

	// ErrNoTicket is returned by resolve when no arbitration ticket exists.
	ErrNoTicket = errors.New("no resolution ticket found")

	// ErrPDAMismatch marks a derived escrow address that does not re-verify
	// against the deal id embedded in the instruction payload. Fatal
	// integrity error; nothing is submitted.
	ErrPDAMismatch = errors.New("escrow address failed re-derivation")

	// ErrInstructionEncoding marks an instruction payload whose length does
	// not match the program's layout. Indicates a logic bug, never reaches
	// the network.
	ErrInstructionEncoding = errors.New("instruction payload encoding mismatch")

	// ErrSimulatedConfirmDisabled is returned when a simulated confirmation
	// is requested but the deployment does not allow it.
	ErrSimulatedConfirmDisabled = errors.New("simulated confirmation is not enabled")

	// ErrOnchainFailed marks a submitted signature that landed with an error
	// or could not be found on chain.
	ErrOnchainFailed = errors.New("transaction did not succeed on chain")
)

// IsUserError reports whether the error should map to a 4xx response:
// validation failures, precondition failures and missing records. Integrity
// and infrastructure errors are not user errors.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrWrongActor) ||
		errors.Is(err, ErrNoTicket) ||
		errors.Is(err, ErrOnchainFailed) ||
		errors.Is(err, ErrSimulatedConfirmDisabled) ||
		errors.Is(err, db.ErrInvalidTransition) ||
		errors.Is(err, db.ErrNotDeletable) ||
		errors.Is(err, db.ErrNotFound)
}

// IsIntegrityError reports whether the error indicates internal corruption
// or a logic bug that must abort the operation.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrPDAMismatch) || errors.Is(err, ErrInstructionEncoding)
}
