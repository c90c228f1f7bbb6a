package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"veilescrow/native/escrow"
)

// Option configures an in-memory settlement driver.
type Option func(*Memory)

// WithClock overrides the receipt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAutoConfirm controls whether deposits are confirmed on first request.
func WithAutoConfirm(enabled bool) Option {
	return func(m *Memory) { m.autoConfirm = enabled }
}

// Memory is an in-process settlement layer. Deposits are either confirmed
// automatically or by an explicit MarkDeposited call; disbursements are
// recorded once per escrow id.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	autoConfirm bool
	deposits    map[uint64]escrow.Ciphertext
	receipts    map[uint64]*escrow.Receipt
	failures    []error
	attempts    map[uint64]int
}

// NewMemory constructs an auto-confirming in-memory driver.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		now:         time.Now,
		autoConfirm: true,
		deposits:    make(map[uint64]escrow.Ciphertext),
		receipts:    make(map[uint64]*escrow.Receipt),
		attempts:    make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MarkDeposited records an externally observed deposit.
func (m *Memory) MarkDeposited(id uint64, amount escrow.Ciphertext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[id] = amount.Clone()
}

// FailNext queues errors returned by subsequent Disburse calls.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// ConfirmDeposit implements escrow.Settlement.
func (m *Memory) ConfirmDeposit(_ context.Context, id uint64, amount escrow.Ciphertext) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.deposits[id]; ok {
		return stored.Handle == amount.Handle, nil
	}
	if !m.autoConfirm {
		return false, nil
	}
	m.deposits[id] = amount.Clone()
	return true, nil
}

// Disburse implements escrow.Settlement. Repeated calls for the same escrow
// return the first receipt.
func (m *Memory) Disburse(_ context.Context, d escrow.Decision, _ escrow.Ciphertext) (*escrow.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[d.EscrowID]++
	if receipt, ok := m.receipts[d.EscrowID]; ok {
		clone := *receipt
		return &clone, nil
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, ok := m.deposits[d.EscrowID]; !ok {
		return nil, ErrNoDeposit
	}
	receipt := &escrow.Receipt{
		EscrowID:    d.EscrowID,
		Beneficiary: d.Beneficiary,
		Reference:   uuid.NewString(),
		SettledAt:   m.now().Unix(),
	}
	m.receipts[d.EscrowID] = receipt
	clone := *receipt
	return &clone, nil
}

// Receipt returns the recorded receipt for an escrow.
func (m *Memory) Receipt(id uint64) (*escrow.Receipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[id]
	if !ok {
		return nil, false
	}
	clone := *receipt
	return &clone, true
}

// Attempts reports how many Disburse calls were made for an escrow.
func (m *Memory) Attempts(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}
