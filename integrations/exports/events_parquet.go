package exports

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"veilescrow/native/escrow"
)

type parquetRow struct {
	EscrowID    int64  `parquet:"name=escrow_id, type=INT64"`
	Sequence    int64  `parquet:"name=sequence, type=INT64"`
	Type        string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	State       string `parquet:"name=state, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Signer      string `parquet:"name=signer, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Outcome     string `parquet:"name=outcome, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Beneficiary string `parquet:"name=beneficiary, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes  string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// EventsParquet writes records to a snappy compressed parquet file at path
// and returns the number of rows written.
func EventsParquet(path string, records []escrow.EventRecord) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := Rows(records)
	for _, row := range rows {
		attrs, err := attributesJSON(row.Attributes)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return 0, err
		}
		if err := pw.Write(&parquetRow{
			EscrowID:    int64(row.EscrowID),
			Sequence:    int64(row.Sequence),
			Type:        row.Type,
			State:       row.State,
			Signer:      row.Signer,
			Outcome:     row.Outcome,
			Beneficiary: row.Beneficiary,
			Attributes:  attrs,
		}); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("exports: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("exports: finalise parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("exports: close parquet: %w", err)
	}
	return len(rows), nil
}
