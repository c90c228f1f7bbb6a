package state

var (
	escrowRecordPrefix   = []byte("escrow/record/")
	escrowCounterKey     = []byte("escrow/counter")
	escrowEventPrefix    = []byte("escrow/events/")
	escrowEventLenSuffix = []byte("/len")
)
