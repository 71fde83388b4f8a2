package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/termfi/termvault/internal/domain"
)

// DistributionStore implements domain.DistributionJournal using PostgreSQL.
type DistributionStore struct {
	pool *pgxpool.Pool
}

// NewDistributionStore creates a DistributionStore backed by the given pool.
func NewDistributionStore(pool *pgxpool.Pool) *DistributionStore {
	return &DistributionStore{pool: pool}
}

var _ domain.DistributionJournal = (*DistributionStore)(nil)

const distributionSelectCols = `id, mode, pool::text, per_share::text,
	remainder::text, recipients, started_at, completed_at`

func scanDistribution(row pgx.Row) (domain.DistributionRun, error) {
	var (
		r          domain.DistributionRun
		mode       string
		pool       string
		perShare   string
		remainder  string
		recipients []string
	)
	if err := row.Scan(
		&r.ID, &mode, &pool, &perShare, &remainder,
		&recipients, &r.StartedAt, &r.CompletedAt,
	); err != nil {
		return domain.DistributionRun{}, err
	}
	r.Mode = domain.DistributionMode(mode)
	var ok bool
	if r.Pool, ok = new(big.Int).SetString(pool, 10); !ok {
		return domain.DistributionRun{}, fmt.Errorf("bad pool %q for run %s", pool, r.ID)
	}
	if r.PerShare, ok = new(big.Int).SetString(perShare, 10); !ok {
		return domain.DistributionRun{}, fmt.Errorf("bad per_share %q for run %s", perShare, r.ID)
	}
	if r.Remainder, ok = new(big.Int).SetString(remainder, 10); !ok {
		return domain.DistributionRun{}, fmt.Errorf("bad remainder %q for run %s", remainder, r.ID)
	}
	r.Recipients = make([]common.Address, len(recipients))
	for i, addr := range recipients {
		r.Recipients[i] = common.HexToAddress(addr)
	}
	return r, nil
}

// Insert journals one completed distribution run.
func (s *DistributionStore) Insert(ctx context.Context, run domain.DistributionRun) error {
	recipients := make([]string, len(run.Recipients))
	for i, addr := range run.Recipients {
		recipients[i] = addr.Hex()
	}

	const query = `
		INSERT INTO distributions (
			id, mode, pool, per_share, remainder,
			recipients, started_at, completed_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Mode), run.Pool.String(), run.PerShare.String(),
		run.Remainder.String(), recipients, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert distribution %s: %w", run.ID, err)
	}
	return nil
}

// GetByID retrieves one run.
func (s *DistributionStore) GetByID(ctx context.Context, id string) (domain.DistributionRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+distributionSelectCols+` FROM distributions WHERE id = $1`, id)

	run, err := scanDistribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DistributionRun{}, domain.ErrNotFound
		}
		return domain.DistributionRun{}, fmt.Errorf("postgres: get distribution %s: %w", id, err)
	}
	return run, nil
}

// ListRecent returns the most recent runs, newest first.
func (s *DistributionStore) ListRecent(ctx context.Context, limit int) ([]domain.DistributionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+distributionSelectCols+` FROM distributions
		 ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list distributions: %w", err)
	}
	defer rows.Close()

	var runs []domain.DistributionRun
	for rows.Next() {
		run, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan distribution: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate distributions: %w", err)
	}
	return runs, nil
}

// SumDistributed returns the total paid out by runs completed at or after
// since, as a decimal string.
func (s *DistributionStore) SumDistributed(ctx context.Context, since time.Time) (string, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(pool - remainder), 0)::text
		 FROM distributions WHERE completed_at >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("postgres: sum distributed: %w", err)
	}
	return sum, nil
}
