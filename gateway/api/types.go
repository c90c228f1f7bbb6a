// Package api holds the JSON shapes exchanged between the escrow gateway and
// its clients.
package api

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"veilescrow/crypto"
	"veilescrow/native/escrow"
)

// Ciphertext is the wire form of an opaque encrypted value.
type Ciphertext struct {
	Handle  string `json:"handle,omitempty"`
	Payload string `json:"payload"`
	Proof   string `json:"proof,omitempty"`
}

func FromCiphertext(c escrow.Ciphertext) Ciphertext {
	out := Ciphertext{
		Handle:  c.HandleHex(),
		Payload: base64.StdEncoding.EncodeToString(c.Payload),
	}
	if len(c.Proof) > 0 {
		out.Proof = base64.StdEncoding.EncodeToString(c.Proof)
	}
	return out
}

// Decode rebuilds the ciphertext. A supplied handle must match the payload.
func (c Ciphertext) Decode() (escrow.Ciphertext, error) {
	payload, err := base64.StdEncoding.DecodeString(c.Payload)
	if err != nil {
		return escrow.Ciphertext{}, fmt.Errorf("%w: payload: %v", escrow.ErrInvalidCiphertext, err)
	}
	var proof []byte
	if c.Proof != "" {
		if proof, err = base64.StdEncoding.DecodeString(c.Proof); err != nil {
			return escrow.Ciphertext{}, fmt.Errorf("%w: proof: %v", escrow.ErrInvalidCiphertext, err)
		}
	}
	ct := escrow.NewCiphertext(payload, proof)
	if handle := strings.TrimPrefix(strings.TrimSpace(c.Handle), "0x"); handle != "" {
		if !strings.EqualFold(handle, hex.EncodeToString(ct.Handle[:])) {
			return escrow.Ciphertext{}, fmt.Errorf("%w: handle does not match payload", escrow.ErrInvalidCiphertext)
		}
	}
	if err := ct.Validate(); err != nil {
		return escrow.Ciphertext{}, err
	}
	return ct, nil
}

type CreateRequest struct {
	Seller      string     `json:"seller"`
	Arbitrator  string     `json:"arbitrator"`
	Amount      Ciphertext `json:"amount"`
	Description string     `json:"description,omitempty"`
	Timeout     int64      `json:"timeout"`
}

// SignRequest carries the encrypted approval or refund reason.
type SignRequest struct {
	Payload Ciphertext `json:"payload"`
}

type Signature struct {
	Signer   string `json:"signer"`
	Outcome  string `json:"outcome"`
	SignedAt int64  `json:"signedAt"`
}

// Escrow is the public view of an escrow. The amount appears only as its
// handle; participants fetch the ciphertext from the amount endpoint.
type Escrow struct {
	ID             uint64      `json:"id"`
	Buyer          string      `json:"buyer"`
	Seller         string      `json:"seller"`
	Arbitrator     string      `json:"arbitrator"`
	AmountHandle   string      `json:"amountHandle"`
	Description    string      `json:"description,omitempty"`
	CreatedAt      int64       `json:"createdAt"`
	Timeout        int64       `json:"timeout"`
	ExpiresAt      int64       `json:"expiresAt"`
	TimeoutReached bool        `json:"timeoutReached"`
	Remaining      int64       `json:"remaining"`
	State          string      `json:"state"`
	Disputed       bool        `json:"disputed"`
	SignatureCount int         `json:"signatureCount"`
	Signatures     []Signature `json:"signatures"`
	ResolvedAt     int64       `json:"resolvedAt,omitempty"`
	Settlement     string      `json:"settlement"`
	Receipt        string      `json:"receipt,omitempty"`
}

// FromEscrow renders e with timeout fields evaluated at now (unix seconds).
func FromEscrow(e *escrow.Escrow, now int64) Escrow {
	out := Escrow{
		ID:             e.ID,
		Buyer:          formatAddress(e.Buyer),
		Seller:         formatAddress(e.Seller),
		Arbitrator:     formatAddress(e.Arbitrator),
		AmountHandle:   e.Amount.HandleHex(),
		Description:    e.Description,
		CreatedAt:      e.CreatedAt,
		Timeout:        e.Timeout,
		ExpiresAt:      e.ExpiresAt(),
		TimeoutReached: escrow.TimeoutReached(now, e.CreatedAt, e.Timeout),
		Remaining:      escrow.Remaining(now, e.CreatedAt, e.Timeout),
		State:          e.State.String(),
		Disputed:       e.Disputed,
		SignatureCount: e.SignatureCount(),
		Signatures:     make([]Signature, 0, len(e.Signatures)),
		ResolvedAt:     e.ResolvedAt,
		Settlement:     e.Settlement.String(),
		Receipt:        e.Receipt,
	}
	for _, sig := range e.Signatures {
		out.Signatures = append(out.Signatures, Signature{
			Signer:   formatAddress(sig.Signer),
			Outcome:  sig.Outcome.String(),
			SignedAt: sig.SignedAt,
		})
	}
	return out
}

type Decision struct {
	EscrowID    uint64 `json:"escrowId"`
	Kind        string `json:"kind"`
	Beneficiary string `json:"beneficiary,omitempty"`
}

func FromDecision(d escrow.Decision) Decision {
	out := Decision{EscrowID: d.EscrowID, Kind: d.Kind.String()}
	if d.Settles() {
		out.Beneficiary = formatAddress(d.Beneficiary)
	}
	return out
}

// ActionResponse answers every mutating escrow route.
type ActionResponse struct {
	Escrow   *Escrow   `json:"escrow,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
}

type ErrorResponse struct {
	Error    string    `json:"error"`
	Kind     string    `json:"kind,omitempty"`
	Decision *Decision `json:"decision,omitempty"`
	Escrow   *Escrow   `json:"escrow,omitempty"`
}

type ListResponse struct {
	Escrows []Escrow       `json:"escrows"`
	Tally   map[string]int `json:"tally"`
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

type SignerResponse struct {
	Address string `json:"address"`
	Signed  bool   `json:"signed"`
}

type AmountResponse struct {
	EscrowID uint64     `json:"escrowId"`
	Amount   Ciphertext `json:"amount"`
}

// EventRecord is one entry of an escrow audit log.
type EventRecord struct {
	EscrowID   uint64            `json:"escrowId"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func FromEventRecords(records []escrow.EventRecord) []EventRecord {
	out := make([]EventRecord, 0, len(records))
	for _, rec := range records {
		if rec.Event == nil {
			continue
		}
		out = append(out, EventRecord{
			EscrowID:   rec.EscrowID,
			Sequence:   rec.Sequence,
			Type:       rec.Event.Type,
			Attributes: rec.Event.Attributes,
		})
	}
	return out
}

// DisclosureKey publishes the curve25519 key used to seal values for address.
type DisclosureKey struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

// ParseAddress decodes a bech32 participant address.
func ParseAddress(raw string) ([20]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return [20]byte{}, errors.New("address required")
	}
	addr, err := crypto.DecodeEscrowAddress(raw)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func formatAddress(raw [20]byte) string {
	return crypto.AddressFromRaw(raw).String()
}

// StreamEvent is one globally sequenced event served by the poll and
// websocket endpoints. Sequences restart when the gateway restarts.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type EventsPage struct {
	Events []StreamEvent `json:"events"`
	Latest uint64        `json:"latest"`
}

// WebhookRequest registers a delivery endpoint. EventType "*" matches all.
type WebhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

type WebhookResponse struct {
	ID        int64  `json:"id"`
	EventType string `json:"eventType"`
	URL       string `json:"url"`
}
