package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T, name string) *Storage {
	t.Helper()
	store, err := Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordSnapshotAndLatest(t *testing.T) {
	store := openTestDB(t, "oracle_snapshots")
	ctx := context.Background()
	observed := time.Unix(1_700_000_000, 0)
	if err := store.RecordSample(ctx, Sample{Asset: "eth", Source: "Static", Price: "2000.5", ObservedAt: observed}, observed); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	for i, median := range []string{"1999.000000000000000000", "2000.500000000000000000"} {
		snap := Snapshot{Asset: "ETH", Median: median, Feeders: []string{"static", "http"}, ConfidenceBps: 10_000, ProofID: "proof", ObservedAt: observed.Add(time.Duration(i) * time.Second)}
		if err := store.RecordSnapshot(ctx, snap); err != nil {
			t.Fatalf("record snapshot: %v", err)
		}
	}
	snap, err := store.LatestSnapshot(ctx, " eth ")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.Median != "2000.500000000000000000" || snap.ConfidenceBps != 10_000 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Feeders) != 2 || snap.Feeders[1] != "http" {
		t.Fatalf("unexpected feeders %+v", snap.Feeders)
	}
	if !snap.ObservedAt.Equal(observed.Add(time.Second)) {
		t.Fatalf("unexpected observation time %s", snap.ObservedAt)
	}
	n, err := store.CountSamples(ctx, "ETH")
	if err != nil || n != 1 {
		t.Fatalf("expected one sample, got %d (%v)", n, err)
	}
}

func TestLatestSnapshotMissing(t *testing.T) {
	store := openTestDB(t, "oracle_missing")
	if _, err := store.LatestSnapshot(context.Background(), "BTC"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPruneSamples(t *testing.T) {
	store := openTestDB(t, "oracle_prune")
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		if err := store.RecordSample(ctx, Sample{Asset: "ETH", Source: "static", Price: "1", ObservedAt: at}, at); err != nil {
			t.Fatalf("record sample: %v", err)
		}
	}
	removed, err := store.PruneSamples(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two pruned samples, got %d", removed)
	}
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected path required, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "oracle.db")
	dsn, err := FileDSN(path)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:"+path) {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
