package audit

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nhblend/native/lending"
)

type entryRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash       string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type rateRow struct {
	Asset          string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp      string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	BorrowRateBps  int64  `parquet:"name=borrow_rate_bps, type=INT64"`
	SupplyRateBps  int64  `parquet:"name=supply_rate_bps, type=INT64"`
	UtilizationBps int64  `parquet:"name=utilization_bps, type=INT64"`
}

// ExportEntries writes every journal entry to a snappy compressed parquet
// file at path and returns the number of rows written.
func (j *Journal) ExportEntries(ctx context.Context, path string) (int, error) {
	pw, closeFn, err := openParquet(path, new(entryRow))
	if err != nil {
		return 0, err
	}
	written := 0
	var after uint64
	for {
		batch, err := j.List(ctx, after, 500)
		if err != nil {
			_ = closeFn(false)
			return written, err
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			row := &entryRow{
				Seq:        int64(entry.Seq),
				ID:         entry.ID.String(),
				Type:       entry.Type,
				Attributes: entry.Attributes,
				Timestamp:  time.Unix(0, entry.Timestamp).UTC().Format(time.RFC3339Nano),
				PrevHash:   entry.PrevHash,
				Hash:       entry.Hash,
			}
			if err := pw.Write(row); err != nil {
				_ = closeFn(false)
				return written, fmt.Errorf("audit: parquet write: %w", err)
			}
			written++
			after = entry.Seq
		}
	}
	return written, closeFn(true)
}

// ExportRateHistory writes a market's rate samples to a parquet file.
func ExportRateHistory(path, asset string, samples []lending.RateSample) error {
	pw, closeFn, err := openParquet(path, new(rateRow))
	if err != nil {
		return err
	}
	for _, s := range samples {
		row := &rateRow{
			Asset:          lending.NormalizeAsset(asset),
			Timestamp:      s.Timestamp.UTC().Format(time.RFC3339),
			BorrowRateBps:  int64(s.BorrowRateBps),
			SupplyRateBps:  int64(s.SupplyRateBps),
			UtilizationBps: int64(s.UtilizationBps),
		}
		if err := pw.Write(row); err != nil {
			_ = closeFn(false)
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	return closeFn(true)
}

func openParquet(path string, schema interface{}) (*writer.ParquetWriter, func(bool) error, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	closeFn := func(flush bool) error {
		stopErr := pw.WriteStop()
		closeErr := file.Close()
		if !flush {
			return nil
		}
		if stopErr != nil {
			return fmt.Errorf("audit: parquet flush: %w", stopErr)
		}
		if closeErr != nil {
			return fmt.Errorf("audit: close parquet file: %w", closeErr)
		}
		return nil
	}
	return pw, closeFn, nil
}
