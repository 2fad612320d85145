package volumetry

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persisted volumetry dataset: staged batches, their records,
// the exclusion log, pipeline runs and period status.
//
// Every count is an exact server-side aggregate. Reads that page through
// records never hold a cursor open while the caller mutates data: each chunk
// is fully read before fn is called.
type Store interface {
	StageBatch(ctx context.Context, b *Batch, recs []*Record) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error)

	// ScanChunks pages through matching records in id order, chunkSize at a
	// time. Records deleted or changed by fn are not revisited.
	ScanChunks(ctx context.Context, cond Cond, chunkSize int, fn func([]*Record) error) error
	Count(ctx context.Context, cond Cond) (int64, error)
	Sample(ctx context.Context, cond Cond, limit int) ([]*Record, error)
	// Periods returns the distinct reference periods of matching records.
	Periods(ctx context.Context, cond Cond) ([]Period, error)

	UpdateRecords(ctx context.Context, recs []*Record) error
	// Exclude deletes the records referenced by entries and appends the log
	// entries of the rows it actually deleted, atomically. Entries for
	// records that no longer exist are dropped and not returned.
	Exclude(ctx context.Context, entries []*ExclusionLogEntry) ([]*ExclusionLogEntry, error)
	// SplitRecord replaces a record with its parts atomically. It reports
	// false, inserting nothing, if the original no longer exists.
	SplitRecord(ctx context.Context, originalID uuid.UUID, parts []*Record) (bool, error)

	ListExclusions(ctx context.Context, f ExclusionFilter, limit, offset int) ([]*ExclusionLogEntry, int, error)

	GetPeriodStatus(ctx context.Context, p Period) (*PeriodStatus, error)
	SetPeriodStatus(ctx context.Context, st *PeriodStatus) error

	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*Run, int, error)
}

// IsClosed reports whether the period is closed. Unknown periods are open.
func IsClosed(ctx context.Context, s Store, p Period) (bool, error) {
	st, err := s.GetPeriodStatus(ctx, p)
	if err != nil {
		return false, err
	}
	return st.Closed, nil
}
