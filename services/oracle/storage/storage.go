package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("oracle storage path must be configured")
	// ErrSnapshotNotFound is returned when no aggregate exists for an asset.
	ErrSnapshotNotFound = errors.New("oracle snapshot not found")
)

// Storage persists raw oracle samples and aggregated snapshots.
type Storage struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Sample is one quote observed from a single source.
type Sample struct {
	Asset      string
	Source     string
	Price      string
	ObservedAt time.Time
}

// RecordSample persists a raw oracle quote.
func (s *Storage) RecordSample(ctx context.Context, sample Sample, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(sample.Price) == "" {
		return fmt.Errorf("sample missing price")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(asset, source, price, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, assetKey(sample.Asset), strings.ToLower(sample.Source), sample.Price, sample.ObservedAt.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Snapshot captures one aggregated median.
type Snapshot struct {
	Asset         string
	Median        string
	Feeders       []string
	ConfidenceBps uint64
	ProofID       string
	ObservedAt    time.Time
}

// RecordSnapshot stores an aggregated median snapshot.
func (s *Storage) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(asset, median, feeders, confidence_bps, proof_id, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, assetKey(snap.Asset), strings.TrimSpace(snap.Median), strings.Join(snap.Feeders, ","), snap.ConfidenceBps, snap.ProofID, snap.ObservedAt.UTC().Unix(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent aggregate for asset.
func (s *Storage) LatestSnapshot(ctx context.Context, asset string) (Snapshot, error) {
	result := Snapshot{Asset: assetKey(asset)}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT median, feeders, confidence_bps, proof_id, observed_at
        FROM oracle_snapshots
        WHERE asset = ?
        ORDER BY id DESC
        LIMIT 1
    `, result.Asset)
	var (
		feeders  string
		observed int64
	)
	if err := row.Scan(&result.Median, &feeders, &result.ConfidenceBps, &result.ProofID, &observed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, fmt.Errorf("%w: %s", ErrSnapshotNotFound, result.Asset)
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	result.ObservedAt = time.Unix(observed, 0).UTC()
	return result, nil
}

// PruneSamples removes raw samples observed before the cutoff.
func (s *Storage) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        DELETE FROM oracle_samples
        WHERE observed_at < ?
    `, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return result.RowsAffected()
}

// CountSamples reports how many raw samples are held for asset.
func (s *Storage) CountSamples(ctx context.Context, asset string) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oracle_samples WHERE asset = ?`, assetKey(asset)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

func assetKey(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    source TEXT NOT NULL,
    price TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_asset_ts ON oracle_samples(asset, observed_at);

CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    median TEXT NOT NULL,
    feeders TEXT NOT NULL,
    confidence_bps INTEGER NOT NULL,
    proof_id TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_asset_ts ON oracle_snapshots(asset, observed_at);
`
