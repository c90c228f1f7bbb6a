package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"

	"veilescrow/native/escrow"
)

var csvHeader = []string{"escrow_id", "sequence", "type", "state", "signer", "outcome", "beneficiary", "attributes"}

// EventsCSV builds a CSV export of records and returns the serialised data
// alongside a SHA-256 checksum of the payload.
func EventsCSV(records []escrow.EventRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range Rows(records) {
		attrs, err := attributesJSON(row.Attributes)
		if err != nil {
			return nil, "", err
		}
		record := []string{
			strconv.FormatUint(row.EscrowID, 10),
			strconv.FormatUint(row.Sequence, 10),
			row.Type,
			row.State,
			row.Signer,
			row.Outcome,
			row.Beneficiary,
			attrs,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
