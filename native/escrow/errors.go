package escrow

import "errors"

var (
	ErrInvalidParticipants = errors.New("escrow: buyer, seller and arbitrator must be distinct non-zero identities")
	ErrNotFound            = errors.New("escrow: not found")
	ErrWrongState          = errors.New("escrow: operation not allowed in current state")
	ErrNotEligible         = errors.New("escrow: caller not eligible")
	ErrAlreadySigned       = errors.New("escrow: participant already signed")
	ErrTimeoutNotReached   = errors.New("escrow: timeout not reached")
	ErrSettlementFailed    = errors.New("escrow: settlement failed")

	ErrInvalidCiphertext   = errors.New("escrow: invalid ciphertext")
	ErrInvalidOutcome      = errors.New("escrow: invalid outcome")
	ErrInvalidTimeout      = errors.New("escrow: timeout must be positive and at most ten years")
	ErrDescriptionTooLong  = errors.New("escrow: description too long")
	ErrDepositNotConfirmed = errors.New("escrow: deposit not confirmed")

	errNilState      = errors.New("escrow engine: state not configured")
	errNilSettlement = errors.New("escrow engine: settlement layer not configured")
)
