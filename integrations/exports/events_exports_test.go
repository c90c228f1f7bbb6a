package exports

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"veilescrow/core/types"
	"veilescrow/native/escrow"
)

func sampleRecords() []escrow.EventRecord {
	return []escrow.EventRecord{
		{EscrowID: 2, Sequence: 1, Event: &types.Event{Type: escrow.EventTypeEscrowCreated, Attributes: map[string]string{"id": "2", "state": "created"}}},
		{EscrowID: 1, Sequence: 2, Event: &types.Event{Type: escrow.EventTypeEscrowSignatureAdded, Attributes: map[string]string{"id": "1", "state": "funded", "signer": "esc1seller", "outcome": "release"}}},
		{EscrowID: 1, Sequence: 1, Event: &types.Event{Type: escrow.EventTypeEscrowFunded, Attributes: map[string]string{"id": "1", "state": "funded"}}},
		{EscrowID: 3, Sequence: 1},
	}
}

func TestRowsOrderedByEscrowAndSequence(t *testing.T) {
	rows := Rows(sampleRecords())
	require.Len(t, rows, 3)
	require.Equal(t, uint64(1), rows[0].EscrowID)
	require.Equal(t, uint64(1), rows[0].Sequence)
	require.Equal(t, uint64(2), rows[1].Sequence)
	require.Equal(t, "esc1seller", rows[1].Signer)
	require.Equal(t, "release", rows[1].Outcome)
	require.Equal(t, uint64(2), rows[2].EscrowID)
}

func TestEventsCSV(t *testing.T) {
	data, checksum, err := EventsCSV(sampleRecords())
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), checksum)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, []string{"1", "1", escrow.EventTypeEscrowFunded, "funded", "", "", ""}, records[1][:7])

	var attrs map[string]string
	require.NoError(t, json.Unmarshal([]byte(records[2][7]), &attrs))
	require.Equal(t, "esc1seller", attrs["signer"])
}

func TestEventsJSONL(t *testing.T) {
	data, checksum, err := EventsJSONL(sampleRecords())
	require.NoError(t, err)
	require.NotEmpty(t, checksum)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	var first EventRow
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, escrow.EventTypeEscrowFunded, first.Type)
	require.Equal(t, "1", first.Attributes["id"])

	again, checksumAgain, err := EventsJSONL(sampleRecords())
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.Equal(t, checksum, checksumAgain)
}

func TestEventsParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	written, err := EventsParquet(path, sampleRecords())
	require.NoError(t, err)
	require.Equal(t, 3, written)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(3), pr.GetNumRows())
	rows := make([]parquetRow, 3)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, int64(1), rows[0].EscrowID)
	require.Equal(t, escrow.EventTypeEscrowSignatureAdded, rows[1].Type)
	require.Equal(t, "esc1seller", rows[1].Signer)
	require.Equal(t, escrow.EventTypeEscrowCreated, rows[2].Type)
}
