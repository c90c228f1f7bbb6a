package state

import (
	"fmt"
	"sort"
	"strconv"

	"veilescrow/core/types"
	"veilescrow/native/escrow"
	"veilescrow/storage"
)

type storedSignature struct {
	Signer   [20]byte
	Outcome  uint8
	Handle   [32]byte
	Payload  []byte
	Proof    []byte
	SignedAt uint64
}

type storedEscrow struct {
	ID            uint64
	Buyer         [20]byte
	Seller        [20]byte
	Arbitrator    [20]byte
	AmountHandle  [32]byte
	AmountPayload []byte
	AmountProof   []byte
	Description   string
	CreatedAt     uint64
	Timeout       uint64
	State         uint8
	Disputed      bool
	Signatures    []storedSignature
	ResolvedAt    uint64
	Settlement    uint8
	Receipt       string
}

type storedEvent struct {
	Type   string
	Keys   []string
	Values []string
}

func escrowRecordKey(id uint64) []byte {
	return append(append([]byte(nil), escrowRecordPrefix...), strconv.FormatUint(id, 10)...)
}

func escrowEventKey(id, seq uint64) []byte {
	buf := append([]byte(nil), escrowEventPrefix...)
	buf = strconv.AppendUint(buf, id, 10)
	buf = append(buf, '/')
	return strconv.AppendUint(buf, seq, 10)
}

func escrowEventLenKey(id uint64) []byte {
	buf := append([]byte(nil), escrowEventPrefix...)
	buf = strconv.AppendUint(buf, id, 10)
	return append(buf, escrowEventLenSuffix...)
}

func newStoredEscrow(e *escrow.Escrow) *storedEscrow {
	record := &storedEscrow{
		ID:            e.ID,
		Buyer:         e.Buyer,
		Seller:        e.Seller,
		Arbitrator:    e.Arbitrator,
		AmountHandle:  e.Amount.Handle,
		AmountPayload: e.Amount.Payload,
		AmountProof:   e.Amount.Proof,
		Description:   e.Description,
		CreatedAt:     uint64(e.CreatedAt),
		Timeout:       uint64(e.Timeout),
		State:         uint8(e.State),
		Disputed:      e.Disputed,
		ResolvedAt:    uint64(e.ResolvedAt),
		Settlement:    uint8(e.Settlement),
		Receipt:       e.Receipt,
	}
	for _, sig := range e.Signatures {
		record.Signatures = append(record.Signatures, storedSignature{
			Signer:   sig.Signer,
			Outcome:  uint8(sig.Outcome),
			Handle:   sig.Payload.Handle,
			Payload:  sig.Payload.Payload,
			Proof:    sig.Payload.Proof,
			SignedAt: uint64(sig.SignedAt),
		})
	}
	return record
}

func (s *storedEscrow) toEscrow() *escrow.Escrow {
	esc := &escrow.Escrow{
		ID:          s.ID,
		Buyer:       s.Buyer,
		Seller:      s.Seller,
		Arbitrator:  s.Arbitrator,
		Amount:      escrow.Ciphertext{Handle: s.AmountHandle, Payload: s.AmountPayload, Proof: s.AmountProof},
		Description: s.Description,
		CreatedAt:   int64(s.CreatedAt),
		Timeout:     int64(s.Timeout),
		State:       escrow.State(s.State),
		Disputed:    s.Disputed,
		ResolvedAt:  int64(s.ResolvedAt),
		Settlement:  escrow.SettlementStatus(s.Settlement),
		Receipt:     s.Receipt,
	}
	for _, sig := range s.Signatures {
		esc.Signatures = append(esc.Signatures, escrow.Signature{
			Signer:   sig.Signer,
			Outcome:  escrow.Outcome(sig.Outcome),
			Payload:  escrow.Ciphertext{Handle: sig.Handle, Payload: sig.Payload, Proof: sig.Proof},
			SignedAt: int64(sig.SignedAt),
		})
	}
	return esc
}

// EscrowPut validates and stores the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	_, err := m.EscrowCommit(0, e, nil)
	return err
}

// EscrowGet loads an escrow record.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var record storedEscrow
	ok, err := m.KVGet(escrowRecordKey(id), &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	return record.toEscrow(), true, nil
}

// EscrowNextID increments and returns the escrow counter. Ids start at 1 and
// are never reused.
func (m *Manager) EscrowNextID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	if _, err := m.KVGet(escrowCounterKey, &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.KVPut(escrowCounterKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowCount returns the number of allocated escrow ids.
func (m *Manager) EscrowCount() (uint64, error) {
	var current uint64
	if _, err := m.KVGet(escrowCounterKey, &current); err != nil {
		return 0, err
	}
	return current, nil
}

// EscrowEventAppend appends evt to the log of escrow id and returns its
// sequence number.
func (m *Manager) EscrowEventAppend(id uint64, evt *types.Event) (uint64, error) {
	seqs, err := m.EscrowCommit(id, nil, []*types.Event{evt})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// EscrowCommit writes the escrow record (when e is non-nil) together with the
// events appended to its log in a single batch, so a transition is never
// stored without its events or the other way round. It returns the sequence
// numbers assigned to evts.
func (m *Manager) EscrowCommit(id uint64, e *escrow.Escrow, evts []*types.Event) ([]uint64, error) {
	batch := new(storage.Batch)
	if e != nil {
		sanitized, err := escrow.SanitizeEscrow(e)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			id = sanitized.ID
		}
		if sanitized.ID != id {
			return nil, fmt.Errorf("escrow: record %d committed under id %d", sanitized.ID, id)
		}
		if err := kvStage(batch, escrowRecordKey(id), newStoredEscrow(sanitized)); err != nil {
			return nil, err
		}
	}
	for _, evt := range evts {
		if evt == nil {
			return nil, fmt.Errorf("escrow: nil event")
		}
	}
	if id == 0 {
		return nil, fmt.Errorf("escrow: id must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var length uint64
	if len(evts) > 0 {
		if _, err := m.KVGet(escrowEventLenKey(id), &length); err != nil {
			return nil, err
		}
	}
	seqs := make([]uint64, 0, len(evts))
	for _, evt := range evts {
		length++
		if err := kvStage(batch, escrowEventKey(id, length), newStoredEvent(evt)); err != nil {
			return nil, err
		}
		seqs = append(seqs, length)
	}
	if len(evts) > 0 {
		if err := kvStage(batch, escrowEventLenKey(id), length); err != nil {
			return nil, err
		}
	}
	if err := m.db.Write(batch); err != nil {
		return nil, err
	}
	return seqs, nil
}

func newStoredEvent(evt *types.Event) *storedEvent {
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	record := &storedEvent{Type: evt.Type, Keys: keys, Values: make([]string, len(keys))}
	for i, k := range keys {
		record.Values[i] = evt.Attributes[k]
	}
	return record
}

// EscrowEvents returns the full event log of escrow id in sequence order.
func (m *Manager) EscrowEvents(id uint64) ([]escrow.EventRecord, error) {
	var length uint64
	if _, err := m.KVGet(escrowEventLenKey(id), &length); err != nil {
		return nil, err
	}
	out := make([]escrow.EventRecord, 0, length)
	for seq := uint64(1); seq <= length; seq++ {
		var record storedEvent
		ok, err := m.KVGet(escrowEventKey(id, seq), &record)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("escrow: missing event %d/%d", id, seq)
		}
		attrs := make(map[string]string, len(record.Keys))
		for i, k := range record.Keys {
			if i < len(record.Values) {
				attrs[k] = record.Values[i]
			}
		}
		out = append(out, escrow.EventRecord{
			EscrowID: id,
			Sequence: seq,
			Event:    &types.Event{Type: record.Type, Attributes: attrs},
		})
	}
	return out, nil
}
