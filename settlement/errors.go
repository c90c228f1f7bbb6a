package settlement

import "errors"

var (
	ErrNoDeposit        = errors.New("settlement: no confirmed deposit for escrow")
	ErrReceiptMismatch  = errors.New("settlement: receipt does not match decision")
	ErrUnsupportedStore = errors.New("settlement: unsupported journal dsn")
)
