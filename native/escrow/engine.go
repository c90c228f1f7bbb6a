package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"veilescrow/core/events"
	"veilescrow/core/types"
)

// MaxDescriptionLength bounds the plaintext description of an escrow.
const MaxDescriptionLength = 1024

// engineState persists escrows. EscrowCommit stores the record (when non-nil)
// and appends the events atomically, returning their sequence numbers.
type engineState interface {
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowNextID() (uint64, error)
	EscrowCount() (uint64, error)
	EscrowCommit(id uint64, esc *Escrow, evts []*types.Event) ([]uint64, error)
	EscrowEvents(id uint64) ([]EventRecord, error)
}

// Receipt acknowledges a disbursement performed by the settlement layer.
type Receipt struct {
	EscrowID    uint64
	Beneficiary [20]byte
	Reference   string
	SettledAt   int64
}

// Settlement is the external value-transfer layer. Both calls must be
// idempotent by escrow id.
type Settlement interface {
	ConfirmDeposit(ctx context.Context, escrowID uint64, amount Ciphertext) (bool, error)
	Disburse(ctx context.Context, decision Decision, amount Ciphertext) (*Receipt, error)
}

type metricsRecorder interface {
	RecordTransition(state string)
	RecordSignature(outcome string)
	RecordError(operation, kind string)
	RecordSettlement(result string)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// CreateParams describes a new escrow. The buyer is the caller.
type CreateParams struct {
	Buyer       [20]byte
	Seller      [20]byte
	Arbitrator  [20]byte
	Amount      Ciphertext
	Description string
	Timeout     int64
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Participant [20]byte
	State       *State
	Offset      int
	Limit       int
}

// Engine coordinates every escrow. Mutations on one escrow id are serialized
// by a per-id mutex; escrows with different ids proceed in parallel. Settlement
// calls and event delivery happen after the mutex is released.
type Engine struct {
	state      engineState
	settlement Settlement
	emitter    events.Emitter
	nowFn      func() int64
	policy     Policy
	logger     *slog.Logger
	metrics    metricsRecorder

	createMu sync.Mutex
	locksMu  sync.Mutex
	locks    map[uint64]*escrowLock
}

// escrowLock serialises mutations of one escrow. refs counts holders and
// waiters; the entry is dropped from the map once it reaches zero.
type escrowLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		policy:  DefaultPolicy(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks:   make(map[uint64]*escrowLock),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSettlement configures the settlement layer.
func (e *Engine) SetSettlement(layer Settlement) { e.settlement = layer }

// SetPolicy overrides the settlement threshold.
func (e *Engine) SetPolicy(policy Policy) { e.policy = policy }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures structured logging. Passing nil discards logs.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.logger = logger
}

// SetMetrics attaches a metrics recorder.
func (e *Engine) SetMetrics(m metricsRecorder) { e.metrics = m }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) lock(id uint64) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &escrowLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) lockCount() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.locks)
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return esc, nil
}

// commit persists esc (nil leaves the record untouched) and appends evts to
// its log in one write. It must be called while holding the escrow lock so
// sequences follow transition order.
func (e *Engine) commit(id uint64, esc *Escrow, evts ...*types.Event) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	seqs, err := e.state.EscrowCommit(id, esc, evts)
	if err != nil {
		return err
	}
	for i, evt := range evts {
		if i < len(seqs) {
			evt.Attributes["seq"] = strconv.FormatUint(seqs[i], 10)
		}
	}
	return nil
}

func (e *Engine) emit(evts ...*types.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		e.emitter.Emit(escrowEvent{evt: evt})
	}
}

func (e *Engine) fail(op string, err error) error {
	if err != nil && e.metrics != nil {
		e.metrics.RecordError(op, errorKind(err))
	}
	return err
}

func (e *Engine) transitioned(esc *Escrow) {
	if e.metrics != nil {
		e.metrics.RecordTransition(esc.State.String())
	}
	e.logger.Info("escrow transition", "id", esc.ID, "state", esc.State.String(), "signatures", esc.SignatureCount())
}

// Create validates and persists a new escrow, then asks the settlement layer
// to confirm the deposit. When confirmation fails the escrow stays Created and
// is returned together with ErrDepositNotConfirmed so the caller can retry via
// ConfirmFunding.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.settlement == nil {
		return nil, errNilSettlement
	}
	parts, err := NewParticipants(params.Buyer, params.Seller, params.Arbitrator)
	if err != nil {
		return nil, e.fail("create", err)
	}
	if !ValidTimeout(params.Timeout) {
		return nil, e.fail("create", ErrInvalidTimeout)
	}
	if err := params.Amount.Validate(); err != nil {
		return nil, e.fail("create", err)
	}
	description := strings.TrimSpace(params.Description)
	if len(description) > MaxDescriptionLength {
		return nil, e.fail("create", ErrDescriptionTooLong)
	}

	e.createMu.Lock()
	id, err := e.state.EscrowNextID()
	if err != nil {
		e.createMu.Unlock()
		return nil, err
	}
	esc := &Escrow{
		ID:          id,
		Buyer:       parts.Buyer,
		Seller:      parts.Seller,
		Arbitrator:  parts.Arbitrator,
		Amount:      params.Amount.Clone(),
		Description: description,
		CreatedAt:   e.now(),
		Timeout:     params.Timeout,
		State:       StateCreated,
	}
	unlock := e.lock(id)
	e.createMu.Unlock()
	created := NewCreatedEvent(esc)
	if err := e.commit(id, esc, created); err != nil {
		unlock()
		return nil, err
	}
	unlock()
	e.transitioned(esc)
	e.emit(created)

	return e.fund(ctx, id)
}

// ConfirmFunding retries deposit confirmation for an escrow still in Created.
// Escrows that already moved past Created are returned unchanged.
func (e *Engine) ConfirmFunding(ctx context.Context, id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.settlement == nil {
		return nil, errNilSettlement
	}
	return e.fund(ctx, id)
}

func (e *Engine) fund(ctx context.Context, id uint64) (*Escrow, error) {
	snapshot, err := e.loadEscrow(id)
	if err != nil {
		return nil, e.fail("fund", err)
	}
	if snapshot.State != StateCreated {
		return snapshot, nil
	}
	confirmed, err := e.settlement.ConfirmDeposit(ctx, id, snapshot.Amount)
	if err != nil {
		e.logger.Warn("escrow deposit confirmation failed", "id", id, "error", err)
		return snapshot, e.fail("fund", fmt.Errorf("%w: %v", ErrDepositNotConfirmed, err))
	}
	if !confirmed {
		return snapshot, e.fail("fund", ErrDepositNotConfirmed)
	}

	unlock := e.lock(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		unlock()
		return nil, err
	}
	if esc.State != StateCreated {
		unlock()
		return esc, nil
	}
	esc.State = StateFunded
	funded := NewFundedEvent(esc)
	if err := e.commit(id, esc, funded); err != nil {
		unlock()
		return nil, err
	}
	unlock()
	e.transitioned(esc)
	e.emit(funded)
	return esc.Clone(), nil
}

// SignApproval records a release signature for caller. Reaching the threshold
// completes the escrow in favour of the seller and triggers disbursement.
func (e *Engine) SignApproval(ctx context.Context, id uint64, caller [20]byte, approval Ciphertext) (Decision, error) {
	return e.sign(ctx, "sign_approval", id, caller, OutcomeRelease, approval)
}

// RequestRefund records a refund signature for caller. Only the buyer and the
// arbitrator are eligible. Reaching the threshold cancels the escrow in favour
// of the buyer and triggers disbursement.
func (e *Engine) RequestRefund(ctx context.Context, id uint64, caller [20]byte, reason Ciphertext) (Decision, error) {
	return e.sign(ctx, "request_refund", id, caller, OutcomeRefund, reason)
}

func (e *Engine) sign(ctx context.Context, op string, id uint64, caller [20]byte, outcome Outcome, payload Ciphertext) (Decision, error) {
	none := Decision{EscrowID: id}
	if e == nil || e.state == nil {
		return none, errNilState
	}
	unlock := e.lock(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		unlock()
		return none, e.fail(op, err)
	}
	if !CanSign(esc.State) {
		unlock()
		return none, e.fail(op, fmt.Errorf("%w: cannot sign %s in state %s", ErrWrongState, outcome, esc.State))
	}
	parts := esc.Participants()
	now := e.now()
	ledger, err := esc.Signatures.Record(parts, caller, outcome, payload, now)
	if err != nil {
		unlock()
		return none, e.fail(op, err)
	}
	esc.Signatures = ledger
	pending := []*types.Event{NewSignatureAddedEvent(esc, caller, outcome)}
	decision := e.policy.Evaluate(id, parts, ledger)
	if decision.Settles() {
		resolve(esc, decision, now)
		pending = append(pending, NewResolvedEvent(esc, decision, "threshold"))
	}
	if err := e.commit(id, esc, pending...); err != nil {
		unlock()
		return none, err
	}
	unlock()

	if e.metrics != nil {
		e.metrics.RecordSignature(outcome.String())
	}
	e.logger.Info("escrow signature recorded", "id", id, "outcome", outcome.String(), "count", ledger.CountFor(outcome))
	e.emit(pending...)
	if !decision.Settles() {
		return none, nil
	}
	e.transitioned(esc)
	return decision, e.disburse(ctx, esc, decision)
}

// Dispute flags a funded escrow as disputed. Only the arbitrator may call it.
// Resolution still happens through ordinary signatures.
func (e *Engine) Dispute(ctx context.Context, id uint64, caller [20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.lock(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		unlock()
		return nil, e.fail("dispute", err)
	}
	if !CanDispute(esc.State) {
		unlock()
		return nil, e.fail("dispute", fmt.Errorf("%w: cannot dispute in state %s", ErrWrongState, esc.State))
	}
	if !esc.Participants().CanDispute(caller) {
		unlock()
		return nil, e.fail("dispute", ErrNotEligible)
	}
	esc.State = StateDisputed
	esc.Disputed = true
	disputed := NewDisputedEvent(esc, caller)
	if err := e.commit(id, esc, disputed); err != nil {
		unlock()
		return nil, err
	}
	unlock()
	e.transitioned(esc)
	e.emit(disputed)
	return esc.Clone(), nil
}

// EmergencyRefund cancels the escrow in favour of the buyer once the timeout
// has elapsed, bypassing the signature threshold. The clock is sampled at call
// time.
func (e *Engine) EmergencyRefund(ctx context.Context, id uint64, caller [20]byte) (Decision, error) {
	none := Decision{EscrowID: id}
	if e == nil || e.state == nil {
		return none, errNilState
	}
	unlock := e.lock(id)
	esc, err := e.loadEscrow(id)
	if err != nil {
		unlock()
		return none, e.fail("emergency_refund", err)
	}
	if !CanEmergencyRefund(esc.State) {
		unlock()
		return none, e.fail("emergency_refund", fmt.Errorf("%w: cannot refund in state %s", ErrWrongState, esc.State))
	}
	parts := esc.Participants()
	if !parts.CanEmergencyRefund(caller) {
		unlock()
		return none, e.fail("emergency_refund", ErrNotEligible)
	}
	now := e.now()
	if !TimeoutReached(now, esc.CreatedAt, esc.Timeout) {
		unlock()
		return none, e.fail("emergency_refund", fmt.Errorf("%w: %ds remaining", ErrTimeoutNotReached, Remaining(now, esc.CreatedAt, esc.Timeout)))
	}
	decision := Decision{EscrowID: id, Kind: DecisionRefund, Beneficiary: parts.Beneficiary(OutcomeRefund)}
	resolve(esc, decision, now)
	cancelled := NewResolvedEvent(esc, decision, "emergency")
	if err := e.commit(id, esc, cancelled); err != nil {
		unlock()
		return none, err
	}
	unlock()
	e.transitioned(esc)
	e.emit(cancelled)
	return decision, e.disburse(ctx, esc, decision)
}

// RetrySettlement re-drives disbursement for a terminal escrow whose settlement
// is still pending. Settled escrows return their decision without calling the
// settlement layer again.
func (e *Engine) RetrySettlement(ctx context.Context, id uint64) (Decision, error) {
	none := Decision{EscrowID: id}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return none, e.fail("retry_settlement", err)
	}
	if !esc.State.Terminal() {
		return none, e.fail("retry_settlement", fmt.Errorf("%w: escrow %d is %s", ErrWrongState, id, esc.State))
	}
	decision := decisionFor(esc)
	if esc.Settlement == SettlementSettled {
		return decision, nil
	}
	return decision, e.disburse(ctx, esc, decision)
}

func (e *Engine) disburse(ctx context.Context, esc *Escrow, decision Decision) error {
	if e.settlement == nil {
		return e.fail("settle", fmt.Errorf("%w: %v", ErrSettlementFailed, errNilSettlement))
	}
	receipt, err := e.settlement.Disburse(ctx, decision, esc.Amount)
	if err != nil {
		e.logger.Warn("escrow settlement failed", "id", esc.ID, "outcome", decision.Kind.String(), "error", err)
		if e.metrics != nil {
			e.metrics.RecordSettlement("failed")
		}
		unlock := e.lock(esc.ID)
		failed := NewSettlementFailedEvent(esc, decision, err)
		recordErr := e.commit(esc.ID, nil, failed)
		unlock()
		if recordErr == nil {
			e.emit(failed)
		}
		return e.fail("settle", fmt.Errorf("%w: %v", ErrSettlementFailed, err))
	}

	unlock := e.lock(esc.ID)
	current, err := e.loadEscrow(esc.ID)
	if err != nil {
		unlock()
		return err
	}
	if current.Settlement == SettlementSettled {
		unlock()
		return nil
	}
	current.Settlement = SettlementSettled
	if receipt != nil {
		current.Receipt = receipt.Reference
	}
	settled := NewSettledEvent(current, receipt)
	if err := e.commit(current.ID, current, settled); err != nil {
		unlock()
		return err
	}
	unlock()
	if e.metrics != nil {
		e.metrics.RecordSettlement("settled")
	}
	e.logger.Info("escrow settled", "id", current.ID, "outcome", decision.Kind.String())
	e.emit(settled)
	return nil
}

func resolve(esc *Escrow, decision Decision, now int64) {
	if decision.Kind == DecisionRelease {
		esc.State = StateCompleted
	} else {
		esc.State = StateCancelled
	}
	esc.ResolvedAt = now
	esc.Settlement = SettlementPending
}

func decisionFor(esc *Escrow) Decision {
	parts := esc.Participants()
	switch esc.State {
	case StateCompleted:
		return Decision{EscrowID: esc.ID, Kind: DecisionRelease, Beneficiary: parts.Beneficiary(OutcomeRelease)}
	case StateCancelled:
		return Decision{EscrowID: esc.ID, Kind: DecisionRefund, Beneficiary: parts.Beneficiary(OutcomeRefund)}
	default:
		return Decision{EscrowID: esc.ID}
	}
}

// Details returns a snapshot of the escrow.
func (e *Engine) Details(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// HasSigned reports whether addr recorded a signature of either outcome.
func (e *Engine) HasSigned(id uint64, addr [20]byte) (bool, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	return esc.Signatures.HasSigned(addr), nil
}

// EncryptedAmount returns the amount ciphertext to participants only.
func (e *Engine) EncryptedAmount(id uint64, caller [20]byte) (Ciphertext, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return Ciphertext{}, err
	}
	if !esc.Participants().IsParticipant(caller) {
		return Ciphertext{}, ErrNotEligible
	}
	return esc.Amount.Clone(), nil
}

// Count returns the number of escrows ever created.
func (e *Engine) Count() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.EscrowCount()
}

// List returns escrows in id order matching the filter.
func (e *Engine) List(filter ListFilter) ([]*Escrow, error) {
	total, err := e.Count()
	if err != nil {
		return nil, err
	}
	var zero [20]byte
	out := make([]*Escrow, 0)
	skipped := 0
	for id := uint64(1); id <= total; id++ {
		esc, ok, err := e.state.EscrowGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if filter.Participant != zero && !esc.Participants().IsParticipant(filter.Participant) {
			continue
		}
		if filter.State != nil && esc.State != *filter.State {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, esc)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Events returns the audit log of one escrow.
func (e *Engine) Events(id uint64) ([]EventRecord, error) {
	if _, err := e.loadEscrow(id); err != nil {
		return nil, err
	}
	return e.state.EscrowEvents(id)
}

// Tally counts escrows per state name.
func Tally(escrows []*Escrow) map[string]int {
	counts := make(map[string]int)
	for _, esc := range escrows {
		if esc == nil {
			continue
		}
		counts[esc.State.String()]++
	}
	return counts
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParticipants):
		return "invalid_participants"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrAlreadySigned):
		return "already_signed"
	case errors.Is(err, ErrTimeoutNotReached):
		return "timeout_not_reached"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	case errors.Is(err, ErrDepositNotConfirmed):
		return "deposit_not_confirmed"
	default:
		return "invalid_request"
	}
}

// ErrorKind exposes the stable error label used in metrics and API payloads.
func ErrorKind(err error) string { return errorKind(err) }
