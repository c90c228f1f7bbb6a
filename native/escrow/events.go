package escrow

import (
	"strconv"

	"veilescrow/core/types"
	"veilescrow/crypto"
)

const (
	EventTypeEscrowCreated          = "escrow.created"
	EventTypeEscrowFunded           = "escrow.funded"
	EventTypeEscrowSignatureAdded   = "escrow.signature_added"
	EventTypeEscrowCompleted        = "escrow.completed"
	EventTypeEscrowDisputed         = "escrow.disputed"
	EventTypeEscrowCancelled        = "escrow.cancelled"
	EventTypeEscrowSettled          = "escrow.settled"
	EventTypeEscrowSettlementFailed = "escrow.settlement_failed"
)

// EventRecord is one entry of the per-escrow append-only event log.
type EventRecord struct {
	EscrowID uint64
	Sequence uint64
	Event    *types.Event
}

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewFundedEvent is emitted once the settlement layer confirmed the deposit.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

// NewDisputedEvent is emitted when the arbitrator flags the escrow.
func NewDisputedEvent(e *Escrow, arbitrator [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	evt.Attributes["signer"] = formatAddress(arbitrator)
	return evt
}

// NewSignatureAddedEvent records who signed and for which outcome. The
// confidential payload never appears in events.
func NewSignatureAddedEvent(e *Escrow, signer [20]byte, outcome Outcome) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowSignatureAdded, e)
	evt.Attributes["signer"] = formatAddress(signer)
	evt.Attributes["outcome"] = outcome.String()
	evt.Attributes["outcomeCount"] = strconv.Itoa(e.Signatures.CountFor(outcome))
	return evt
}

// NewResolvedEvent returns the completed or cancelled payload for a decision.
func NewResolvedEvent(e *Escrow, d Decision, reason string) *types.Event {
	eventType := EventTypeEscrowCompleted
	if d.Kind == DecisionRefund {
		eventType = EventTypeEscrowCancelled
	}
	evt := newEscrowEvent(eventType, e)
	evt.Attributes["outcome"] = d.Kind.String()
	evt.Attributes["beneficiary"] = formatAddress(d.Beneficiary)
	if reason != "" {
		evt.Attributes["reason"] = reason
	}
	return evt
}

// NewSettledEvent is emitted once the disbursement receipt is recorded.
func NewSettledEvent(e *Escrow, receipt *Receipt) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowSettled, e)
	if receipt != nil {
		evt.Attributes["beneficiary"] = formatAddress(receipt.Beneficiary)
		evt.Attributes["receipt"] = receipt.Reference
	}
	return evt
}

// NewSettlementFailedEvent is emitted when a disbursement attempt fails.
func NewSettlementFailedEvent(e *Escrow, d Decision, cause error) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowSettlementFailed, e)
	evt.Attributes["outcome"] = d.Kind.String()
	evt.Attributes["beneficiary"] = formatAddress(d.Beneficiary)
	if cause != nil {
		evt.Attributes["error"] = cause.Error()
	}
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["buyer"] = formatAddress(e.Buyer)
	attrs["seller"] = formatAddress(e.Seller)
	attrs["arbitrator"] = formatAddress(e.Arbitrator)
	attrs["state"] = e.State.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	attrs["amountHandle"] = e.Amount.HandleHex()
	attrs["signatureCount"] = strconv.Itoa(e.SignatureCount())
	if e.Disputed {
		attrs["disputed"] = "true"
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAddress(addr [20]byte) string {
	return crypto.AddressFromRaw(addr).String()
}
