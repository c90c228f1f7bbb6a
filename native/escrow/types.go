package escrow

import (
	"fmt"
	"math"
	"strings"
)

// State represents the lifecycle states of a confidential escrow.
type State uint8

const (
	StateCreated State = iota
	StateFunded
	StateCompleted
	StateDisputed
	StateCancelled
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateFunded, StateCompleted, StateDisputed, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFunded:
		return "funded"
	case StateCompleted:
		return "completed"
	case StateDisputed:
		return "disputed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState converts the textual form produced by String back into a State.
func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return StateCreated, nil
	case "funded":
		return StateFunded, nil
	case "completed":
		return StateCompleted, nil
	case "disputed":
		return StateDisputed, nil
	case "cancelled", "canceled":
		return StateCancelled, nil
	default:
		return 0, fmt.Errorf("unknown escrow state %q", raw)
	}
}

// Outcome is the plaintext decision tag attached to every signature.
type Outcome uint8

const (
	OutcomeRelease Outcome = iota + 1
	OutcomeRefund
)

func (o Outcome) Valid() bool {
	return o == OutcomeRelease || o == OutcomeRefund
}

func (o Outcome) String() string {
	switch o {
	case OutcomeRelease:
		return "release"
	case OutcomeRefund:
		return "refund"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// ParseOutcome accepts "release" or "refund".
func ParseOutcome(raw string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "release":
		return OutcomeRelease, nil
	case "refund":
		return OutcomeRefund, nil
	default:
		return 0, fmt.Errorf("unknown escrow outcome %q", raw)
	}
}

// Role identifies how an address participates in an escrow.
type Role uint8

const (
	RoleNone Role = iota
	RoleBuyer
	RoleSeller
	RoleArbitrator
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbitrator:
		return "arbitrator"
	default:
		return "none"
	}
}

// SettlementStatus tracks the external disbursement of a terminal escrow.
type SettlementStatus uint8

const (
	SettlementNone SettlementStatus = iota
	SettlementPending
	SettlementSettled
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementSettled:
		return "settled"
	default:
		return "none"
	}
}

// Escrow is the aggregate owned by the engine. Timestamps are unix seconds and
// Timeout is a duration in seconds measured from CreatedAt.
type Escrow struct {
	ID          uint64
	Buyer       [20]byte
	Seller      [20]byte
	Arbitrator  [20]byte
	Amount      Ciphertext
	Description string
	CreatedAt   int64
	Timeout     int64
	State       State
	Disputed    bool
	Signatures  Ledger
	ResolvedAt  int64
	Settlement  SettlementStatus
	Receipt     string
}

// Participants returns the fixed role set of the escrow.
func (e *Escrow) Participants() Participants {
	return Participants{Buyer: e.Buyer, Seller: e.Seller, Arbitrator: e.Arbitrator}
}

// SignatureCount returns the number of recorded signatures across outcomes.
func (e *Escrow) SignatureCount() int {
	if e == nil {
		return 0
	}
	return e.Signatures.Count()
}

// ExpiresAt is the instant after which the buyer may trigger an emergency
// refund.
func (e *Escrow) ExpiresAt() int64 {
	if e.Timeout > math.MaxInt64-e.CreatedAt {
		return math.MaxInt64
	}
	return e.CreatedAt + e.Timeout
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = e.Amount.Clone()
	clone.Signatures = e.Signatures.Clone()
	return &clone
}

// SanitizeEscrow validates the supplied escrow and returns a clone suitable for
// persistence. The original value is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	if e.ID == 0 {
		return nil, fmt.Errorf("escrow id must be positive")
	}
	if _, err := NewParticipants(e.Buyer, e.Seller, e.Arbitrator); err != nil {
		return nil, err
	}
	if !e.State.Valid() {
		return nil, fmt.Errorf("invalid escrow state: %d", e.State)
	}
	if !ValidTimeout(e.Timeout) {
		return nil, ErrInvalidTimeout
	}
	if err := e.Amount.Validate(); err != nil {
		return nil, err
	}
	clone := e.Clone()
	clone.Description = strings.TrimSpace(clone.Description)
	return clone, nil
}

// DecisionKind is the settlement direction chosen by the engine.
type DecisionKind uint8

const (
	DecisionNone DecisionKind = iota
	DecisionRelease
	DecisionRefund
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRelease:
		return "release"
	case DecisionRefund:
		return "refund"
	default:
		return "none"
	}
}

// Decision names the beneficiary of a terminal transition.
type Decision struct {
	EscrowID    uint64
	Kind        DecisionKind
	Beneficiary [20]byte
}

// Settles reports whether the decision requires a disbursement.
func (d Decision) Settles() bool {
	return d.Kind != DecisionNone
}
