package usage

import (
	"context"
	"time"
)

// CostRecord is the running-cost row for a user.
type CostRecord struct {
	Day        float64
	Month      float64
	AllTime    float64
	LastUpdate time.Time
}

// TokenRow is one dated integer-count history row.
type TokenRow struct {
	Date   time.Time
	Tokens int
}

// SecondsRow is one dated fractional-seconds history row.
type SecondsRow struct {
	Date    time.Time
	Seconds float64
}

// ImageRow is one dated image-count history row, with counts indexed
// by size tier.
type ImageRow struct {
	Date   time.Time
	Counts [3]int
}

// SnapshotRecord is a durable usage record as loaded from the store:
// the running costs plus the resource histories the store tracks.
type SnapshotRecord struct {
	Costs         CostRecord
	ChatTokens    []TokenRow
	Transcription []SecondsRow
	Images        []ImageRow
}

// Store is the durable persistence contract consumed by the Ledger.
// The store is the source of truth on hydration; the file cache is a
// crash-recovery fallback.
type Store interface {
	// LoadSnapshot returns the user's durable record, or nil when no
	// running-cost row exists.
	LoadSnapshot(ctx context.Context, userID int64) (*SnapshotRecord, error)
	// PersistSnapshot upserts the running-cost row and every history
	// row held by the snapshot.
	PersistSnapshot(ctx context.Context, userID int64, snap *Snapshot) error
}
