package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionJournal persists the position ledger's append-only history so a
// restarted daemon can replay it. The in-memory ledger stays authoritative;
// the journal only records what already happened.
type PositionJournal interface {
	Insert(ctx context.Context, pos Position) error
	MarkRedeemed(ctx context.Context, id uint64, at time.Time) error
	GetByID(ctx context.Context, id uint64) (Position, error)
	ListAll(ctx context.Context) ([]Position, error)
	ListRedeemed(ctx context.Context, opts ListOpts) ([]Position, error)
	Count(ctx context.Context) (int64, error)
}

// YieldJournal persists recorded yield events in sequence order.
type YieldJournal interface {
	Insert(ctx context.Context, ev YieldEvent) error
	ListAll(ctx context.Context) ([]YieldEvent, error)
	ListRange(ctx context.Context, since, until time.Time) ([]YieldEvent, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]YieldEvent, error)
	Count(ctx context.Context) (int64, error)
}

// DistributionJournal persists completed distribution runs.
type DistributionJournal interface {
	Insert(ctx context.Context, run DistributionRun) error
	GetByID(ctx context.Context, id string) (DistributionRun, error)
	ListRecent(ctx context.Context, limit int) ([]DistributionRun, error)
	SumDistributed(ctx context.Context, since time.Time) (string, error)
}

// BeneficiaryStore persists the registered beneficiary set, the sink, and
// lifetime allocation counters. Allocations outlive beneficiary removal.
type BeneficiaryStore interface {
	Insert(ctx context.Context, b Beneficiary) error
	Delete(ctx context.Context, addr string) error
	ListAll(ctx context.Context) ([]Beneficiary, error)
	SetSink(ctx context.Context, addr string) error
	ClearSink(ctx context.Context) error
	GetSink(ctx context.Context) (string, error)
	AddAllocation(ctx context.Context, addr string, delta string) error
	ListAllocations(ctx context.Context) (map[string]string, error)
}

// TotalsStore persists the accountant's running totals. Totals are stored
// separately from the event log so archival can prune old events without
// losing the lifetime sums. Amounts travel as decimal strings.
type TotalsStore interface {
	Save(ctx context.Context, received, distributed string) error
	Load(ctx context.Context) (received, distributed string, err error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
