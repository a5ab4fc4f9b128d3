package audit

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"nhblend/core/events"
)

// ErrChainBroken is returned by Verify when a stored entry does not hash to
// its successor's PrevHash or its own Hash.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Journal appends committed lending events to the database, linking each
// entry to its predecessor by hash.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	seq      uint64
	lastHash string
}

// Option customises a Journal.
type Option func(*Journal)

func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(j *Journal) {
		if clock != nil {
			j.clock = clock
		}
	}
}

// NewJournal migrates the schema and resumes the chain from the newest stored
// entry.
func NewJournal(db *gorm.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database required")
	}
	j := &Journal{db: db, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	var last Entry
	err := db.Order("seq DESC").Limit(1).Take(&last).Error
	switch {
	case err == nil:
		j.seq = last.Seq
		j.lastHash = last.Hash
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	return j, nil
}

// Emit implements events.Emitter. Failures are logged; the engine has already
// committed by the time events are delivered.
func (j *Journal) Emit(ev events.Event) {
	rec := events.ToRecord(ev)
	if rec == nil {
		return
	}
	if _, err := j.Append(context.Background(), rec); err != nil {
		j.logger.Error("audit append failed", "type", rec.Type, "error", err)
	}
}

// Append stores rec as the next link of the chain.
func (j *Journal) Append(ctx context.Context, rec *events.Record) (*Entry, error) {
	if rec == nil {
		return nil, fmt.Errorf("audit: nil record")
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock().UTC()
	entry := Entry{
		ID:         uuid.New(),
		Seq:        j.seq + 1,
		Type:       rec.Type,
		Attributes: string(attrs),
		Timestamp:  now.UnixNano(),
		PrevHash:   j.lastHash,
		CreatedAt:  now,
	}
	entry.Hash = entryHash(&entry)
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	j.seq = entry.Seq
	j.lastHash = entry.Hash
	return &entry, nil
}

// Head returns the sequence number and hash of the newest entry.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.lastHash
}

// List returns up to limit entries with Seq greater than after, oldest first.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []Entry
	err := j.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}

// Verify walks the whole chain and reports the first inconsistency.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	var (
		after    uint64
		prevHash string
		checked  uint64
	)
	for {
		batch, err := j.List(ctx, after, 500)
		if err != nil {
			return checked, err
		}
		if len(batch) == 0 {
			return checked, nil
		}
		for i := range batch {
			entry := &batch[i]
			if entry.Seq != after+1 {
				return checked, fmt.Errorf("%w: gap before seq %d", ErrChainBroken, entry.Seq)
			}
			if entry.PrevHash != prevHash {
				return checked, fmt.Errorf("%w: seq %d prev hash mismatch", ErrChainBroken, entry.Seq)
			}
			if entryHash(entry) != entry.Hash {
				return checked, fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, entry.Seq)
			}
			prevHash = entry.Hash
			after = entry.Seq
			checked++
		}
	}
}

func entryHash(e *Entry) string {
	h := blake3.New(32, nil)
	var buf [8]byte
	h.Write([]byte(e.PrevHash))
	binary.BigEndian.PutUint64(buf[:], e.Seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.Attributes))
	return hex.EncodeToString(h.Sum(nil))
}
