package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"veilescrow/crypto"
	"veilescrow/native/escrow"
)

// Deposit is a confirmed escrow deposit.
type Deposit struct {
	EscrowID     uint64 `gorm:"primaryKey;autoIncrement:false"`
	AmountHandle string `gorm:"size:64;not null"`
	ConfirmedAt  time.Time
}

// Disbursement is the durable record of a settled escrow.
type Disbursement struct {
	EscrowID    uint64 `gorm:"primaryKey;autoIncrement:false"`
	Outcome     string `gorm:"size:16;not null"`
	Beneficiary string `gorm:"size:90;not null"`
	Reference   string `gorm:"size:128;not null"`
	SettledAt   time.Time
	CreatedAt   time.Time
}

// OpenJournal opens the journal database. DSNs starting with "sqlite:" use the
// pure-Go sqlite driver; everything else is handed to postgres.
func OpenJournal(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	switch {
	case trimmed == "":
		return nil, ErrUnsupportedStore
	case strings.HasPrefix(trimmed, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(trimmed, "sqlite:"))
	default:
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Deposit{}, &Disbursement{})
}

// Journaled wraps a settlement layer with a durable record of confirmed
// deposits and disbursements so retries never pay twice.
type Journaled struct {
	inner escrow.Settlement
	db    *gorm.DB
	now   func() time.Time
}

func NewJournaled(inner escrow.Settlement, db *gorm.DB) *Journaled {
	return &Journaled{inner: inner, db: db, now: time.Now}
}

// ConfirmDeposit implements escrow.Settlement.
func (j *Journaled) ConfirmDeposit(ctx context.Context, id uint64, amount escrow.Ciphertext) (bool, error) {
	var existing Deposit
	err := j.db.WithContext(ctx).First(&existing, "escrow_id = ?", id).Error
	if err == nil {
		return existing.AmountHandle == amount.HandleHex(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	confirmed, err := j.inner.ConfirmDeposit(ctx, id, amount)
	if err != nil || !confirmed {
		return confirmed, err
	}
	row := Deposit{EscrowID: id, AmountHandle: amount.HandleHex(), ConfirmedAt: j.now().UTC()}
	if err := j.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Disburse implements escrow.Settlement.
func (j *Journaled) Disburse(ctx context.Context, d escrow.Decision, amount escrow.Ciphertext) (*escrow.Receipt, error) {
	if receipt, ok, err := j.lookup(ctx, d); err != nil || ok {
		return receipt, err
	}
	receipt, err := j.inner.Disburse(ctx, d, amount)
	if err != nil {
		return nil, err
	}
	settledAt := time.Unix(receipt.SettledAt, 0).UTC()
	if receipt.SettledAt == 0 {
		settledAt = j.now().UTC()
	}
	row := Disbursement{
		EscrowID:    d.EscrowID,
		Outcome:     d.Kind.String(),
		Beneficiary: crypto.AddressFromRaw(d.Beneficiary).String(),
		Reference:   receipt.Reference,
		SettledAt:   settledAt,
	}
	err = j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	stored, _, err := j.lookup(ctx, d)
	return stored, err
}

func (j *Journaled) lookup(ctx context.Context, d escrow.Decision) (*escrow.Receipt, bool, error) {
	var row Disbursement
	err := j.db.WithContext(ctx).First(&row, "escrow_id = ?", d.EscrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if row.Outcome != d.Kind.String() || row.Beneficiary != crypto.AddressFromRaw(d.Beneficiary).String() {
		return nil, true, ErrReceiptMismatch
	}
	return &escrow.Receipt{
		EscrowID:    row.EscrowID,
		Beneficiary: d.Beneficiary,
		Reference:   row.Reference,
		SettledAt:   row.SettledAt.Unix(),
	}, true, nil
}

// Disbursements lists journal rows, newest first.
func (j *Journaled) Disbursements(ctx context.Context, limit int) ([]Disbursement, error) {
	var rows []Disbursement
	q := j.db.WithContext(ctx).Order("settled_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
