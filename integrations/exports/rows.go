// Package exports renders the append-only escrow event log for auditors.
package exports

import (
	"encoding/json"
	"sort"

	"veilescrow/native/escrow"
)

// EventRow is the flattened form shared by every export format.
type EventRow struct {
	EscrowID    uint64            `json:"escrowId"`
	Sequence    uint64            `json:"sequence"`
	Type        string            `json:"type"`
	State       string            `json:"state"`
	Signer      string            `json:"signer,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Beneficiary string            `json:"beneficiary,omitempty"`
	Attributes  map[string]string `json:"attributes"`
}

// Rows flattens records in log order. Nil records and events are skipped.
func Rows(records []escrow.EventRecord) []EventRow {
	rows := make([]EventRow, 0, len(records))
	for _, rec := range records {
		if rec.Event == nil {
			continue
		}
		attrs := make(map[string]string, len(rec.Event.Attributes))
		for k, v := range rec.Event.Attributes {
			attrs[k] = v
		}
		rows = append(rows, EventRow{
			EscrowID:    rec.EscrowID,
			Sequence:    rec.Sequence,
			Type:        rec.Event.Type,
			State:       attrs["state"],
			Signer:      attrs["signer"],
			Outcome:     attrs["outcome"],
			Beneficiary: attrs["beneficiary"],
			Attributes:  attrs,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].EscrowID != rows[j].EscrowID {
			return rows[i].EscrowID < rows[j].EscrowID
		}
		return rows[i].Sequence < rows[j].Sequence
	})
	return rows
}

// attributesJSON encodes attrs with sorted keys so exports are reproducible.
func attributesJSON(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
