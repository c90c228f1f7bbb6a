package escrow

// Participants is the fixed role set of one escrow.
type Participants struct {
	Buyer      [20]byte
	Seller     [20]byte
	Arbitrator [20]byte
}

// NewParticipants validates that all three identities are set and pairwise
// distinct.
func NewParticipants(buyer, seller, arbitrator [20]byte) (Participants, error) {
	var zero [20]byte
	if buyer == zero || seller == zero || arbitrator == zero {
		return Participants{}, ErrInvalidParticipants
	}
	if buyer == seller || buyer == arbitrator || seller == arbitrator {
		return Participants{}, ErrInvalidParticipants
	}
	return Participants{Buyer: buyer, Seller: seller, Arbitrator: arbitrator}, nil
}

func (p Participants) RoleOf(addr [20]byte) Role {
	switch addr {
	case [20]byte{}:
		return RoleNone
	case p.Buyer:
		return RoleBuyer
	case p.Seller:
		return RoleSeller
	case p.Arbitrator:
		return RoleArbitrator
	default:
		return RoleNone
	}
}

func (p Participants) IsParticipant(addr [20]byte) bool {
	return p.RoleOf(addr) != RoleNone
}

// CanSign reports whether addr may record a signature for the outcome. Any
// participant may sign for release; refunds are limited to buyer and
// arbitrator.
func (p Participants) CanSign(addr [20]byte, outcome Outcome) bool {
	role := p.RoleOf(addr)
	switch outcome {
	case OutcomeRelease:
		return role != RoleNone
	case OutcomeRefund:
		return role == RoleBuyer || role == RoleArbitrator
	default:
		return false
	}
}

// CanDispute is limited to the arbitrator.
func (p Participants) CanDispute(addr [20]byte) bool {
	return p.RoleOf(addr) == RoleArbitrator
}

// CanEmergencyRefund is limited to the buyer.
func (p Participants) CanEmergencyRefund(addr [20]byte) bool {
	return p.RoleOf(addr) == RoleBuyer
}

// Beneficiary returns who receives the escrowed value for an outcome.
func (p Participants) Beneficiary(outcome Outcome) [20]byte {
	if outcome == OutcomeRelease {
		return p.Seller
	}
	return p.Buyer
}
