package escrow

// DefaultThreshold is the number of matching signatures that settles an escrow.
const DefaultThreshold = 2

// MaxTimeout bounds the emergency-refund timeout to ten years of seconds.
const MaxTimeout int64 = 10 * 365 * 24 * 60 * 60

// ValidTimeout reports whether timeout is within (0, MaxTimeout].
func ValidTimeout(timeout int64) bool {
	return timeout > 0 && timeout <= MaxTimeout
}

// Policy holds the settlement threshold.
type Policy struct {
	Threshold int
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold}
}

func (p Policy) threshold() int {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}

// Evaluate returns the decision implied by the ledger, or DecisionNone when no
// outcome has reached the threshold.
func (p Policy) Evaluate(id uint64, parts Participants, ledger Ledger) Decision {
	switch {
	case ledger.CountFor(OutcomeRelease) >= p.threshold():
		return Decision{EscrowID: id, Kind: DecisionRelease, Beneficiary: parts.Beneficiary(OutcomeRelease)}
	case ledger.CountFor(OutcomeRefund) >= p.threshold():
		return Decision{EscrowID: id, Kind: DecisionRefund, Beneficiary: parts.Beneficiary(OutcomeRefund)}
	default:
		return Decision{EscrowID: id}
	}
}

// CanSign reports whether signatures are accepted in the state. Disputed
// escrows keep resolving through ordinary signatures.
func CanSign(state State) bool {
	return state == StateFunded || state == StateDisputed
}

// CanDispute reports whether an escrow can be flagged as disputed.
func CanDispute(state State) bool {
	return state == StateFunded
}

// CanEmergencyRefund reports whether the buyer backstop applies to the state.
func CanEmergencyRefund(state State) bool {
	return state == StateFunded || state == StateDisputed
}

// TimeoutReached is strictly after createdAt+timeout. The elapsed time is
// compared against timeout so the sum never overflows.
func TimeoutReached(now, createdAt, timeout int64) bool {
	if timeout < 0 {
		return false
	}
	return now-createdAt > timeout
}

// Remaining returns the seconds left before the timeout elapses, or zero.
func Remaining(now, createdAt, timeout int64) int64 {
	left := timeout - (now - createdAt)
	if left < 0 {
		return 0
	}
	return left
}
