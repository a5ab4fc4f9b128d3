package audit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"nhblend/core/events"
	"nhblend/native/lending"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func fixedClock() func() time.Time {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func supplied(amount int64) events.Event {
	return events.LiquidityMoved{
		Provider:      common.BytesToAddress([]byte{0xc1}),
		Asset:         "usdc",
		Amount:        big.NewInt(amount),
		TotalSupplied: big.NewInt(amount),
	}
}

func TestJournalChainsEntries(t *testing.T) {
	db := openTestDB(t)
	journal, err := NewJournal(db, WithClock(fixedClock()))
	require.NoError(t, err)

	journal.Emit(supplied(100))
	journal.Emit(supplied(200))
	journal.Emit(supplied(300))

	entries, err := journal.List(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "", entries[0].PrevHash)
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.Equal(t, entries[1].Hash, entries[2].PrevHash)
	require.Len(t, entries[2].Hash, 64)
	require.Equal(t, events.TypeLiquiditySupplied, entries[0].Type)
	require.Contains(t, entries[1].Attributes, `"amount":"200"`)

	checked, err := journal.Verify(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, checked)
}

func TestJournalResumesFromHead(t *testing.T) {
	db := openTestDB(t)
	first, err := NewJournal(db, WithClock(fixedClock()))
	require.NoError(t, err)
	first.Emit(supplied(1))
	seq, hash := first.Head()

	second, err := NewJournal(db)
	require.NoError(t, err)
	gotSeq, gotHash := second.Head()
	require.Equal(t, seq, gotSeq)
	require.Equal(t, hash, gotHash)

	entry, err := second.Append(context.Background(), events.ToRecord(supplied(2)))
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.Seq)
	require.Equal(t, hash, entry.PrevHash)

	_, err = second.Verify(context.Background())
	require.NoError(t, err)
}

func TestJournalDetectsTampering(t *testing.T) {
	db := openTestDB(t)
	journal, err := NewJournal(db, WithClock(fixedClock()))
	require.NoError(t, err)
	journal.Emit(supplied(100))
	journal.Emit(supplied(200))

	require.NoError(t, db.Model(&Entry{}).Where("seq = ?", 1).
		Update("attributes", `{"amount":"999"}`).Error)

	_, err = journal.Verify(context.Background())
	require.True(t, errors.Is(err, ErrChainBroken))
}

func TestExportEntriesToParquet(t *testing.T) {
	db := openTestDB(t)
	journal, err := NewJournal(db, WithClock(fixedClock()))
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		journal.Emit(supplied(i))
	}

	path := filepath.Join(t.TempDir(), "audit.parquet")
	written, err := journal.ExportEntries(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 5, written)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(entryRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 5, pr.GetNumRows())
}

func TestExportRateHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.parquet")
	samples := []lending.RateSample{
		{Timestamp: time.Unix(1_700_000_000, 0), BorrowRateBps: 250, SupplyRateBps: 22, UtilizationBps: 1000},
		{Timestamp: time.Unix(1_700_000_060, 0), BorrowRateBps: 300, SupplyRateBps: 60, UtilizationBps: 2000},
	}
	require.NoError(t, ExportRateHistory(path, "usdc", samples))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(rateRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 2, pr.GetNumRows())
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
