package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"veilescrow/core/events"
	"veilescrow/core/types"
)

const (
	testCreatedAt = int64(1_700_000_000)
	sevenDays     = int64(7 * 24 * 60 * 60)
)

type mockState struct {
	mu        sync.Mutex
	escrows   map[uint64]*Escrow
	counter   uint64
	logs      map[uint64][]EventRecord
	commitErr error
}

func newMockState() *mockState {
	return &mockState{
		escrows: make(map[uint64]*Escrow),
		logs:    make(map[uint64][]EventRecord),
	}
}

func (m *mockState) EscrowGet(id uint64) (*Escrow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (m *mockState) EscrowNextID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return m.counter, nil
}

func (m *mockState) EscrowCount() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter, nil
}

func (m *mockState) EscrowCommit(id uint64, e *Escrow, evts []*types.Event) ([]uint64, error) {
	var sanitized *Escrow
	if e != nil {
		var err error
		if sanitized, err = SanitizeEscrow(e); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return nil, m.commitErr
	}
	if sanitized != nil {
		m.escrows[id] = sanitized
	}
	seqs := make([]uint64, 0, len(evts))
	for _, evt := range evts {
		seq := uint64(len(m.logs[id]) + 1)
		m.logs[id] = append(m.logs[id], EventRecord{EscrowID: id, Sequence: seq, Event: evt})
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func (m *mockState) failCommits(err error) {
	m.mu.Lock()
	m.commitErr = err
	m.mu.Unlock()
}

func (m *mockState) EscrowEvents(id uint64) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventRecord(nil), m.logs[id]...), nil
}

type mockSettlement struct {
	mu          sync.Mutex
	rejectFund  bool
	fundErr     error
	disburseErr error
	deposits    map[uint64]int
	disbursed   map[uint64]int
	decisions   map[uint64]Decision
}

func newMockSettlement() *mockSettlement {
	return &mockSettlement{
		deposits:  make(map[uint64]int),
		disbursed: make(map[uint64]int),
		decisions: make(map[uint64]Decision),
	}
}

func (m *mockSettlement) ConfirmDeposit(_ context.Context, id uint64, _ Ciphertext) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[id]++
	if m.fundErr != nil {
		return false, m.fundErr
	}
	return !m.rejectFund, nil
}

func (m *mockSettlement) Disburse(_ context.Context, d Decision, _ Ciphertext) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disbursed[d.EscrowID]++
	if m.disburseErr != nil {
		return nil, m.disburseErr
	}
	m.decisions[d.EscrowID] = d
	return &Receipt{EscrowID: d.EscrowID, Beneficiary: d.Beneficiary, Reference: fmt.Sprintf("rcpt-%d", d.EscrowID)}, nil
}

func (m *mockSettlement) calls(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disbursed[id]
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	typed, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, typed.Event())
	c.mu.Unlock()
}

func (c *capturingEmitter) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Type
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	buyer      = newTestAddress(0x11)
	seller     = newTestAddress(0x22)
	arbitrator = newTestAddress(0x33)
	outsider   = newTestAddress(0x44)
)

type testHarness struct {
	engine     *Engine
	state      *mockState
	settlement *mockSettlement
	emitter    *capturingEmitter
	now        int64
	nowMu      sync.Mutex
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		engine:     NewEngine(),
		state:      newMockState(),
		settlement: newMockSettlement(),
		emitter:    &capturingEmitter{},
		now:        testCreatedAt,
	}
	h.engine.SetState(h.state)
	h.engine.SetSettlement(h.settlement)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetNowFunc(func() int64 {
		h.nowMu.Lock()
		defer h.nowMu.Unlock()
		return h.now
	})
	return h
}

func (h *testHarness) setNow(ts int64) {
	h.nowMu.Lock()
	h.now = ts
	h.nowMu.Unlock()
}

func testPayload(tag string) Ciphertext {
	return NewCiphertext([]byte("sealed:"+tag), []byte("proof:"+tag))
}

func (h *testHarness) create(t *testing.T) *Escrow {
	t.Helper()
	esc, err := h.engine.Create(context.Background(), CreateParams{
		Buyer:       buyer,
		Seller:      seller,
		Arbitrator:  arbitrator,
		Amount:      testPayload("1.0"),
		Description: "vintage synthesizer",
		Timeout:     sevenDays,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func mustDetails(t *testing.T, e *Engine, id uint64) *Escrow {
	t.Helper()
	esc, err := e.Details(id)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	return esc
}

func TestScenarioReleaseByBuyerAndSeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if esc.State != StateFunded {
		t.Fatalf("expected funded escrow, got %s", esc.State)
	}

	decision, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("buyer-ok"))
	if err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	if decision.Settles() {
		t.Fatalf("single signature must not settle")
	}
	current := mustDetails(t, h.engine, esc.ID)
	if current.Signatures.CountFor(OutcomeRelease) != 1 || current.State != StateFunded {
		t.Fatalf("unexpected escrow after first signature: count=%d state=%s", current.Signatures.CountFor(OutcomeRelease), current.State)
	}

	decision, err = h.engine.SignApproval(ctx, esc.ID, seller, testPayload("seller-ok"))
	if err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	if decision.Kind != DecisionRelease || decision.Beneficiary != seller {
		t.Fatalf("expected release to seller, got %+v", decision)
	}
	current = mustDetails(t, h.engine, esc.ID)
	if current.State != StateCompleted {
		t.Fatalf("expected completed, got %s", current.State)
	}
	if current.Signatures.CountFor(OutcomeRelease) != 2 {
		t.Fatalf("expected two release signatures, got %d", current.Signatures.CountFor(OutcomeRelease))
	}
	if current.Settlement != SettlementSettled || current.Receipt == "" {
		t.Fatalf("expected settled escrow with receipt, got %s %q", current.Settlement, current.Receipt)
	}
	if got := h.settlement.decisions[esc.ID]; got.Beneficiary != seller {
		t.Fatalf("settlement paid wrong beneficiary: %+v", got)
	}
}

func TestScenarioRefundByBuyerAndArbitrator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)

	if _, err := h.engine.RequestRefund(ctx, esc.ID, buyer, testPayload("reason")); err != nil {
		t.Fatalf("buyer refund: %v", err)
	}
	decision, err := h.engine.RequestRefund(ctx, esc.ID, arbitrator, testPayload("agree"))
	if err != nil {
		t.Fatalf("arbitrator refund: %v", err)
	}
	if decision.Kind != DecisionRefund || decision.Beneficiary != buyer {
		t.Fatalf("expected refund to buyer, got %+v", decision)
	}
	if state := mustDetails(t, h.engine, esc.ID).State; state != StateCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
	if _, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("late")); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState after cancellation, got %v", err)
	}
}

func TestScenarioSellerCannotRequestRefund(t *testing.T) {
	h := newHarness(t)
	esc := h.create(t)
	if _, err := h.engine.RequestRefund(context.Background(), esc.ID, seller, testPayload("nope")); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if signed, _ := h.engine.HasSigned(esc.ID, seller); signed {
		t.Fatalf("rejected signature must not be recorded")
	}
}

func TestScenarioEmergencyRefundAfterTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)

	h.setNow(testCreatedAt + sevenDays)
	if _, err := h.engine.EmergencyRefund(ctx, esc.ID, buyer); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached at the boundary, got %v", err)
	}

	h.setNow(testCreatedAt + sevenDays + 1)
	decision, err := h.engine.EmergencyRefund(ctx, esc.ID, buyer)
	if err != nil {
		t.Fatalf("emergency refund: %v", err)
	}
	if decision.Kind != DecisionRefund || decision.Beneficiary != buyer {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if state := mustDetails(t, h.engine, esc.ID).State; state != StateCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
}

func TestScenarioDisputeDoesNotBlockRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)

	disputed, err := h.engine.Dispute(ctx, esc.ID, arbitrator)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.State != StateDisputed || !disputed.Disputed {
		t.Fatalf("expected disputed escrow, got %s", disputed.State)
	}
	if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("b")); err != nil {
		t.Fatalf("buyer approval while disputed: %v", err)
	}
	decision, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("s"))
	if err != nil {
		t.Fatalf("seller approval while disputed: %v", err)
	}
	final := mustDetails(t, h.engine, esc.ID)
	if final.State != StateCompleted || decision.Beneficiary != seller {
		t.Fatalf("expected completed release, got %s %+v", final.State, decision)
	}
	if !final.Disputed {
		t.Fatalf("dispute flag should remain visible after resolution")
	}
}

func TestFailedCommitLeavesNoPartialSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("buyer-ok")); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	emitted := len(h.emitter.eventTypes())

	diskFull := errors.New("disk full")
	h.state.failCommits(diskFull)
	if _, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("seller-ok")); !errors.Is(err, diskFull) {
		t.Fatalf("expected commit error, got %v", err)
	}
	current := mustDetails(t, h.engine, esc.ID)
	if current.State != StateFunded || current.SignatureCount() != 1 {
		t.Fatalf("failed commit must not persist: state=%s signatures=%d", current.State, current.SignatureCount())
	}
	if signed, _ := h.engine.HasSigned(esc.ID, seller); signed {
		t.Fatalf("seller signature must not be recorded")
	}
	if got := len(h.emitter.eventTypes()); got != emitted {
		t.Fatalf("failed commit must not emit events, got %d new", got-emitted)
	}
	log, err := h.engine.Events(esc.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(log) != 3 || log[2].Event.Type != EventTypeEscrowSignatureAdded {
		t.Fatalf("failed commit must not append to the log, got %d records", len(log))
	}
	h.settlement.mu.Lock()
	disbursed := h.settlement.disbursed[esc.ID]
	h.settlement.mu.Unlock()
	if disbursed != 0 {
		t.Fatalf("failed commit must not disburse")
	}

	h.state.failCommits(nil)
	decision, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("seller-ok"))
	if err != nil {
		t.Fatalf("retry after failed commit: %v", err)
	}
	if decision.Kind != DecisionRelease {
		t.Fatalf("expected release decision, got %+v", decision)
	}
	if state := mustDetails(t, h.engine, esc.ID).State; state != StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
}

func TestCreateRejectsOversizedTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, timeout := range []int64{MaxTimeout + 1, math.MaxInt64} {
		_, err := h.engine.Create(ctx, CreateParams{
			Buyer: buyer, Seller: seller, Arbitrator: arbitrator, Amount: testPayload("x"), Timeout: timeout,
		})
		if !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("timeout %d: expected ErrInvalidTimeout, got %v", timeout, err)
		}
	}
	count, err := h.engine.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected escrows must not allocate ids, count=%d", count)
	}
}

func TestEmergencyRefundAtMaxTimeoutWaits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc, err := h.engine.Create(ctx, CreateParams{
		Buyer: buyer, Seller: seller, Arbitrator: arbitrator, Amount: testPayload("x"), Timeout: MaxTimeout,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if esc.ExpiresAt() != testCreatedAt+MaxTimeout {
		t.Fatalf("unexpected expiry %d", esc.ExpiresAt())
	}
	if _, err := h.engine.EmergencyRefund(ctx, esc.ID, buyer); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached, got %v", err)
	}
}

func TestTimeoutArithmeticDoesNotOverflow(t *testing.T) {
	if TimeoutReached(testCreatedAt, testCreatedAt, math.MaxInt64) {
		t.Fatalf("huge timeout must not be reached immediately")
	}
	if got := Remaining(testCreatedAt, testCreatedAt, math.MaxInt64); got != math.MaxInt64 {
		t.Fatalf("unexpected remaining %d", got)
	}
	esc := &Escrow{CreatedAt: testCreatedAt, Timeout: math.MaxInt64}
	if esc.ExpiresAt() != math.MaxInt64 {
		t.Fatalf("expiry must saturate, got %d", esc.ExpiresAt())
	}
}

func TestCreateRejectsInvalidParticipants(t *testing.T) {
	cases := []struct {
		name       string
		buyer      [20]byte
		seller     [20]byte
		arbitrator [20]byte
	}{
		{"buyer is seller", buyer, buyer, arbitrator},
		{"buyer is arbitrator", buyer, seller, buyer},
		{"seller is arbitrator", buyer, seller, seller},
		{"zero seller", buyer, [20]byte{}, arbitrator},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Create(context.Background(), CreateParams{
				Buyer:      tc.buyer,
				Seller:     tc.seller,
				Arbitrator: tc.arbitrator,
				Amount:     testPayload("x"),
				Timeout:    60,
			})
			if !errors.Is(err, ErrInvalidParticipants) {
				t.Fatalf("expected ErrInvalidParticipants, got %v", err)
			}
			if count, _ := h.engine.Count(); count != 0 {
				t.Fatalf("rejected create must not allocate an id, count=%d", count)
			}
		})
	}
}

func TestCreateValidatesInputs(t *testing.T) {
	h := newHarness(t)
	base := CreateParams{Buyer: buyer, Seller: seller, Arbitrator: arbitrator, Amount: testPayload("x"), Timeout: 60}

	noTimeout := base
	noTimeout.Timeout = 0
	if _, err := h.engine.Create(context.Background(), noTimeout); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("expected ErrInvalidTimeout, got %v", err)
	}
	tampered := base
	tampered.Amount.Payload = []byte("other")
	if _, err := h.engine.Create(context.Background(), tampered); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
	long := base
	long.Description = string(bytes.Repeat([]byte{'a'}, MaxDescriptionLength+1))
	if _, err := h.engine.Create(context.Background(), long); !errors.Is(err, ErrDescriptionTooLong) {
		t.Fatalf("expected ErrDescriptionTooLong, got %v", err)
	}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	h := newHarness(t)
	first := h.create(t)
	second := h.create(t)
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("unexpected ids %d, %d", first.ID, second.ID)
	}
	if count, _ := h.engine.Count(); count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	if first.CreatedAt != testCreatedAt || first.Description != "vintage synthesizer" {
		t.Fatalf("unexpected metadata %+v", first)
	}
}

func TestCreateReportsUnconfirmedDeposit(t *testing.T) {
	h := newHarness(t)
	h.settlement.rejectFund = true
	esc, err := h.engine.Create(context.Background(), CreateParams{
		Buyer: buyer, Seller: seller, Arbitrator: arbitrator, Amount: testPayload("x"), Timeout: 60,
	})
	if !errors.Is(err, ErrDepositNotConfirmed) {
		t.Fatalf("expected ErrDepositNotConfirmed, got %v", err)
	}
	if esc == nil || esc.State != StateCreated {
		t.Fatalf("expected created escrow on partial failure, got %+v", esc)
	}
	if _, err := h.engine.SignApproval(context.Background(), esc.ID, buyer, testPayload("b")); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState before funding, got %v", err)
	}

	h.settlement.rejectFund = false
	funded, err := h.engine.ConfirmFunding(context.Background(), esc.ID)
	if err != nil {
		t.Fatalf("confirm funding: %v", err)
	}
	if funded.State != StateFunded {
		t.Fatalf("expected funded, got %s", funded.State)
	}
	again, err := h.engine.ConfirmFunding(context.Background(), esc.ID)
	if err != nil || again.State != StateFunded {
		t.Fatalf("confirm funding should be idempotent: %v %s", err, again.State)
	}
	if h.settlement.deposits[esc.ID] != 2 {
		t.Fatalf("expected two deposit confirmations, got %d", h.settlement.deposits[esc.ID])
	}
}

func TestCreateWrapsDepositError(t *testing.T) {
	h := newHarness(t)
	h.settlement.fundErr = errors.New("bank offline")
	esc, err := h.engine.Create(context.Background(), CreateParams{
		Buyer: buyer, Seller: seller, Arbitrator: arbitrator, Amount: testPayload("x"), Timeout: 60,
	})
	if !errors.Is(err, ErrDepositNotConfirmed) {
		t.Fatalf("expected ErrDepositNotConfirmed, got %v", err)
	}
	if esc.State != StateCreated {
		t.Fatalf("expected created, got %s", esc.State)
	}
}

func TestSignaturesAreDurableAndOutcomeExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)

	if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("b")); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("b2")); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned on repeat approval, got %v", err)
	}
	if _, err := h.engine.RequestRefund(ctx, esc.ID, buyer, testPayload("r")); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned on switching outcome, got %v", err)
	}
	current := mustDetails(t, h.engine, esc.ID)
	if current.SignatureCount() != 1 || current.Signatures.CountFor(OutcomeRefund) != 0 {
		t.Fatalf("ledger changed after rejected signatures: %+v", current.Signatures)
	}
}

func TestSellerRefundAfterReleaseReportsAlreadySigned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)

	if _, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("s")); err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	if _, err := h.engine.RequestRefund(ctx, esc.ID, seller, testPayload("r")); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
}

func TestMixedOutcomesDoNotSettle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)

	if _, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("s")); err != nil {
		t.Fatalf("seller approval: %v", err)
	}
	decision, err := h.engine.RequestRefund(ctx, esc.ID, buyer, testPayload("b"))
	if err != nil {
		t.Fatalf("buyer refund: %v", err)
	}
	if decision.Settles() {
		t.Fatalf("one release and one refund must not settle")
	}
	if state := mustDetails(t, h.engine, esc.ID).State; state != StateFunded {
		t.Fatalf("expected funded, got %s", state)
	}
	decision, err = h.engine.RequestRefund(ctx, esc.ID, arbitrator, testPayload("a"))
	if err != nil {
		t.Fatalf("arbitrator refund: %v", err)
	}
	if decision.Kind != DecisionRefund {
		t.Fatalf("expected refund decision, got %+v", decision)
	}
}

func TestNonParticipantRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if _, err := h.engine.SignApproval(ctx, esc.ID, outsider, testPayload("o")); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if _, err := h.engine.Dispute(ctx, esc.ID, buyer); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected buyer dispute to be rejected, got %v", err)
	}
	h.setNow(testCreatedAt + sevenDays + 1)
	if _, err := h.engine.EmergencyRefund(ctx, esc.ID, arbitrator); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected arbitrator emergency refund to be rejected, got %v", err)
	}
	if _, err := h.engine.EncryptedAmount(esc.ID, outsider); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected amount to be participant gated, got %v", err)
	}
	amount, err := h.engine.EncryptedAmount(esc.ID, seller)
	if err != nil || !amount.Equal(testPayload("1.0")) {
		t.Fatalf("participant should read amount ciphertext: %v", err)
	}
}

func TestTerminalStatesRejectMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("b")); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	if _, err := h.engine.SignApproval(ctx, esc.ID, arbitrator, testPayload("a")); err != nil {
		t.Fatalf("arbitrator approval: %v", err)
	}
	h.setNow(testCreatedAt + sevenDays + 10)

	checks := map[string]func() error{
		"approve": func() error {
			_, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("s"))
			return err
		},
		"refund": func() error {
			_, err := h.engine.RequestRefund(ctx, esc.ID, buyer, testPayload("r"))
			return err
		},
		"dispute": func() error {
			_, err := h.engine.Dispute(ctx, esc.ID, arbitrator)
			return err
		},
		"emergency": func() error {
			_, err := h.engine.EmergencyRefund(ctx, esc.ID, buyer)
			return err
		},
	}
	for name, fn := range checks {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !errors.Is(err, ErrWrongState) {
				t.Fatalf("expected ErrWrongState, got %v", err)
			}
		})
	}
}

func TestDisputeOnlyFromFunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if _, err := h.engine.Dispute(ctx, esc.ID, arbitrator); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := h.engine.Dispute(ctx, esc.ID, arbitrator); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState on repeat dispute, got %v", err)
	}
}

func TestEmergencyRefundFromDisputed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if _, err := h.engine.Dispute(ctx, esc.ID, arbitrator); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	h.setNow(testCreatedAt + sevenDays + 1)
	if _, err := h.engine.EmergencyRefund(ctx, esc.ID, buyer); err != nil {
		t.Fatalf("emergency refund from disputed: %v", err)
	}
	if state := mustDetails(t, h.engine, esc.ID).State; state != StateCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
}

func TestUnknownEscrowNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Details(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("details: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.HasSigned(99, buyer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hasSigned: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.SignApproval(ctx, 99, buyer, testPayload("b")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sign: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Events(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("events: expected ErrNotFound, got %v", err)
	}
}

func TestSettlementFailureLeavesEscrowTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	h.settlement.disburseErr = errors.New("rail unavailable")

	if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("b")); err != nil {
		t.Fatalf("buyer approval: %v", err)
	}
	decision, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("s"))
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
	if decision.Kind != DecisionRelease || decision.Beneficiary != seller {
		t.Fatalf("decision should still be reported, got %+v", decision)
	}
	current := mustDetails(t, h.engine, esc.ID)
	if current.State != StateCompleted || current.Settlement != SettlementPending {
		t.Fatalf("expected completed with pending settlement, got %s/%s", current.State, current.Settlement)
	}

	h.settlement.disburseErr = nil
	retried, err := h.engine.RetrySettlement(ctx, esc.ID)
	if err != nil {
		t.Fatalf("retry settlement: %v", err)
	}
	if retried != decision {
		t.Fatalf("retry decision mismatch: %+v vs %+v", retried, decision)
	}
	if _, err := h.engine.RetrySettlement(ctx, esc.ID); err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if calls := h.settlement.calls(esc.ID); calls != 2 {
		t.Fatalf("expected two disbursement attempts, got %d", calls)
	}
	if mustDetails(t, h.engine, esc.ID).Settlement != SettlementSettled {
		t.Fatalf("expected settled after retry")
	}
}

func TestRetrySettlementRequiresTerminalState(t *testing.T) {
	h := newHarness(t)
	esc := h.create(t)
	if _, err := h.engine.RetrySettlement(context.Background(), esc.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestEventsEmittedAndLogged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t)
	if _, err := h.engine.Dispute(ctx, esc.ID, arbitrator); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := h.engine.RequestRefund(ctx, esc.ID, buyer, testPayload("b")); err != nil {
		t.Fatalf("buyer refund: %v", err)
	}
	if _, err := h.engine.RequestRefund(ctx, esc.ID, arbitrator, testPayload("a")); err != nil {
		t.Fatalf("arbitrator refund: %v", err)
	}
	want := []string{
		EventTypeEscrowCreated,
		EventTypeEscrowFunded,
		EventTypeEscrowDisputed,
		EventTypeEscrowSignatureAdded,
		EventTypeEscrowSignatureAdded,
		EventTypeEscrowCancelled,
		EventTypeEscrowSettled,
	}
	got := h.emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	log, err := h.engine.Events(esc.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(log) != len(want) {
		t.Fatalf("expected %d log entries, got %d", len(want), len(log))
	}
	for i, rec := range log {
		if rec.Sequence != uint64(i+1) {
			t.Fatalf("log entry %d has sequence %d", i, rec.Sequence)
		}
		if rec.Event.Attributes["seq"] == "" {
			t.Fatalf("log entry %d missing seq attribute", i)
		}
	}
	sig := log[3].Event.Attributes
	if sig["outcome"] != "refund" || sig["signer"] == "" {
		t.Fatalf("signature event missing signer/outcome: %v", sig)
	}
	for _, rec := range log {
		for _, value := range rec.Event.Attributes {
			if bytes.Contains([]byte(value), []byte("sealed:")) {
				t.Fatalf("ciphertext payload leaked into event %s", rec.Event.Type)
			}
		}
	}
}

func TestListFiltersByParticipantAndState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t)
	h.create(t)
	other, err := h.engine.Create(ctx, CreateParams{
		Buyer: outsider, Seller: seller, Arbitrator: arbitrator, Amount: testPayload("y"), Timeout: 60,
	})
	if err != nil {
		t.Fatalf("create third: %v", err)
	}
	if _, err := h.engine.Dispute(ctx, first.ID, arbitrator); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	byBuyer, err := h.engine.List(ListFilter{Participant: buyer})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byBuyer) != 2 {
		t.Fatalf("expected two escrows for buyer, got %d", len(byBuyer))
	}
	disputed := StateDisputed
	onlyDisputed, _ := h.engine.List(ListFilter{State: &disputed})
	if len(onlyDisputed) != 1 || onlyDisputed[0].ID != first.ID {
		t.Fatalf("unexpected disputed filter result %+v", onlyDisputed)
	}
	paged, _ := h.engine.List(ListFilter{Participant: seller, Offset: 2, Limit: 5})
	if len(paged) != 1 || paged[0].ID != other.ID {
		t.Fatalf("unexpected paging result %+v", paged)
	}
	counts := Tally(byBuyer)
	if counts["disputed"] != 1 || counts["funded"] != 1 {
		t.Fatalf("unexpected tally %v", counts)
	}
}

func TestDetailsReturnsSnapshot(t *testing.T) {
	h := newHarness(t)
	esc := h.create(t)
	snapshot := mustDetails(t, h.engine, esc.ID)
	snapshot.State = StateCancelled
	snapshot.Amount.Payload[0] = 'X'
	fresh := mustDetails(t, h.engine, esc.ID)
	if fresh.State != StateFunded || fresh.Amount.Payload[0] == 'X' {
		t.Fatalf("mutating a snapshot changed engine state")
	}
}

func TestConcurrentThresholdSignaturesSettleOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		h := newHarness(t)
		ctx := context.Background()
		esc := h.create(t)
		if _, err := h.engine.SignApproval(ctx, esc.ID, buyer, testPayload("b")); err != nil {
			t.Fatalf("round %d: buyer approval: %v", round, err)
		}

		var wg sync.WaitGroup
		results := make([]error, 2)
		decisions := make([]Decision, 2)
		for i, signer := range [][20]byte{seller, arbitrator} {
			wg.Add(1)
			go func(i int, signer [20]byte) {
				defer wg.Done()
				decisions[i], results[i] = h.engine.SignApproval(ctx, esc.ID, signer, testPayload(fmt.Sprintf("%d", i)))
			}(i, signer)
		}
		wg.Wait()

		succeeded := 0
		for i, err := range results {
			switch {
			case err == nil:
				succeeded++
				if decisions[i].Kind != DecisionRelease {
					t.Fatalf("round %d: winner returned %+v", round, decisions[i])
				}
			case errors.Is(err, ErrWrongState):
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, succeeded)
		}
		if calls := h.settlement.calls(esc.ID); calls != 1 {
			t.Fatalf("round %d: expected one disbursement, got %d", round, calls)
		}
		if count := mustDetails(t, h.engine, esc.ID).Signatures.CountFor(OutcomeRelease); count != 2 {
			t.Fatalf("round %d: expected two release signatures, got %d", round, count)
		}
	}
}

func TestConcurrentRefundAndReleaseRace(t *testing.T) {
	for round := 0; round < 50; round++ {
		h := newHarness(t)
		ctx := context.Background()
		esc := h.create(t)
		if _, err := h.engine.RequestRefund(ctx, esc.ID, buyer, testPayload("b")); err != nil {
			t.Fatalf("buyer refund: %v", err)
		}
		if _, err := h.engine.SignApproval(ctx, esc.ID, seller, testPayload("s")); err != nil {
			t.Fatalf("seller approval: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.engine.RequestRefund(ctx, esc.ID, arbitrator, testPayload("a-refund"))
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.engine.SignApproval(ctx, esc.ID, arbitrator, testPayload("a-release"))
		}()
		wg.Wait()

		if (errs[0] == nil) == (errs[1] == nil) {
			t.Fatalf("round %d: expected exactly one success, got %v / %v", round, errs[0], errs[1])
		}
		final := mustDetails(t, h.engine, esc.ID)
		if !final.State.Terminal() || h.settlement.calls(esc.ID) != 1 {
			t.Fatalf("round %d: expected a single terminal settlement, got %s with %d calls", round, final.State, h.settlement.calls(esc.ID))
		}
		if held := h.engine.lockCount(); held != 0 {
			t.Fatalf("round %d: expected no lock entries after settlement, got %d", round, held)
		}
	}
}

func TestIndependentEscrowsProceedInParallel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 20
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = h.create(t).ID
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if _, err := h.engine.SignApproval(ctx, id, buyer, testPayload("b")); err != nil {
				t.Errorf("escrow %d buyer: %v", id, err)
				return
			}
			if _, err := h.engine.SignApproval(ctx, id, seller, testPayload("s")); err != nil {
				t.Errorf("escrow %d seller: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	completed := StateCompleted
	done, _ := h.engine.List(ListFilter{State: &completed})
	if len(done) != n {
		t.Fatalf("expected %d completed escrows, got %d", n, len(done))
	}
	if held := h.engine.lockCount(); held != 0 {
		t.Fatalf("expected per-escrow locks to be released, %d remain", held)
	}
}
