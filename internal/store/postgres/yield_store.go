package postgres

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/termfi/termvault/internal/domain"
)

// YieldStore implements domain.YieldJournal using PostgreSQL.
type YieldStore struct {
	pool *pgxpool.Pool
}

// NewYieldStore creates a YieldStore backed by the given pool.
func NewYieldStore(pool *pgxpool.Pool) *YieldStore {
	return &YieldStore{pool: pool}
}

var _ domain.YieldJournal = (*YieldStore)(nil)

const yieldSelectCols = `seq, amount::text, received_at, rate_bps::text`

func scanYieldEvent(row pgx.Row) (domain.YieldEvent, error) {
	var (
		ev     domain.YieldEvent
		amount string
		rate   string
	)
	if err := row.Scan(&ev.Seq, &amount, &ev.ReceivedAt, &rate); err != nil {
		return domain.YieldEvent{}, err
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.YieldEvent{}, fmt.Errorf("bad amount %q for yield event %d", amount, ev.Seq)
	}
	ev.Amount = amt
	rateBps, err := strconv.ParseUint(rate, 10, 64)
	if err != nil {
		return domain.YieldEvent{}, fmt.Errorf("bad rate %q for yield event %d: %w", rate, ev.Seq, err)
	}
	ev.RateBps = rateBps
	return ev, nil
}

func scanYieldEvents(rows pgx.Rows) ([]domain.YieldEvent, error) {
	var events []domain.YieldEvent
	for rows.Next() {
		ev, err := scanYieldEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Insert journals one yield event.
func (s *YieldStore) Insert(ctx context.Context, ev domain.YieldEvent) error {
	const query = `
		INSERT INTO yield_events (seq, amount, received_at, rate_bps)
		VALUES ($1, $2::numeric, $3, $4::numeric)`

	_, err := s.pool.Exec(ctx, query,
		ev.Seq, ev.Amount.String(), ev.ReceivedAt,
		strconv.FormatUint(ev.RateBps, 10),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert yield event %d: %w", ev.Seq, err)
	}
	return nil
}

// ListAll returns every retained event in sequence order.
func (s *YieldStore) ListAll(ctx context.Context) ([]domain.YieldEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+yieldSelectCols+` FROM yield_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list yield events: %w", err)
	}
	defer rows.Close()

	events, err := scanYieldEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan yield events: %w", err)
	}
	return events, nil
}

// ListRange returns events received in [since, until], sequence order.
func (s *YieldStore) ListRange(ctx context.Context, since, until time.Time) ([]domain.YieldEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+yieldSelectCols+` FROM yield_events
		 WHERE received_at >= $1 AND received_at <= $2
		 ORDER BY seq ASC`, since, until)
	if err != nil {
		return nil, fmt.Errorf("postgres: list yield events range: %w", err)
	}
	defer rows.Close()

	events, err := scanYieldEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan yield events range: %w", err)
	}
	return events, nil
}

// ListBefore returns up to limit events received strictly before the
// cutoff, oldest first. A non-positive limit means no limit.
func (s *YieldStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.YieldEvent, error) {
	query := `SELECT ` + yieldSelectCols + ` FROM yield_events
		 WHERE received_at < $1 ORDER BY seq ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list yield events before: %w", err)
	}
	defer rows.Close()

	events, err := scanYieldEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan yield events before: %w", err)
	}
	return events, nil
}

// Count returns the number of retained events.
func (s *YieldStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM yield_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count yield events: %w", err)
	}
	return count, nil
}

// DeleteBefore prunes events received strictly before the cutoff. Only run
// after the archiver has the rows in cold storage; lifetime totals live in
// vault_totals and are unaffected.
func (s *YieldStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM yield_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete yield events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TotalsStore implements domain.TotalsStore on the single-row vault_totals
// table.
type TotalsStore struct {
	pool *pgxpool.Pool
}

// NewTotalsStore creates a TotalsStore backed by the given pool.
func NewTotalsStore(pool *pgxpool.Pool) *TotalsStore {
	return &TotalsStore{pool: pool}
}

var _ domain.TotalsStore = (*TotalsStore)(nil)

// Save upserts the running totals.
func (s *TotalsStore) Save(ctx context.Context, received, distributed string) error {
	const query = `
		INSERT INTO vault_totals (id, total_received, total_distributed, updated_at)
		VALUES (1, $1::numeric, $2::numeric, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_received    = EXCLUDED.total_received,
			total_distributed = EXCLUDED.total_distributed,
			updated_at        = NOW()`

	if _, err := s.pool.Exec(ctx, query, received, distributed); err != nil {
		return fmt.Errorf("postgres: save totals: %w", err)
	}
	return nil
}

// Load reads the running totals. A missing row reads as zero totals.
func (s *TotalsStore) Load(ctx context.Context) (string, string, error) {
	var received, distributed string
	err := s.pool.QueryRow(ctx,
		`SELECT total_received::text, total_distributed::text FROM vault_totals WHERE id = 1`,
	).Scan(&received, &distributed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "0", "0", nil
		}
		return "", "", fmt.Errorf("postgres: load totals: %w", err)
	}
	return received, distributed, nil
}
