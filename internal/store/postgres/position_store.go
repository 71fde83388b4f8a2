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

// PositionStore implements domain.PositionJournal using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionJournal = (*PositionStore)(nil)

const positionSelectCols = `id, principal_token, amount::text, maturity,
	redeemed, deposited_at, redeemed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p      domain.Position
		token  string
		amount string
	)
	if err := row.Scan(
		&p.ID, &token, &amount, &p.Maturity,
		&p.Redeemed, &p.DepositedAt, &p.RedeemedAt,
	); err != nil {
		return domain.Position{}, err
	}
	p.PrincipalToken = common.HexToAddress(token)
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.Position{}, fmt.Errorf("bad amount %q for position %d", amount, p.ID)
	}
	p.Amount = amt
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Insert records a newly created position.
func (s *PositionStore) Insert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, principal_token, amount, maturity, redeemed,
			deposited_at, redeemed_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, NOW())`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.PrincipalToken.Hex(), p.Amount.String(), p.Maturity,
		p.Redeemed, p.DepositedAt, p.RedeemedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %d: %w", p.ID, err)
	}
	return nil
}

// MarkRedeemed flips the redeemed flag for a journaled position. The
// in-memory ledger has already validated the transition, so an unredeemed
// row not being found indicates journal drift.
func (s *PositionStore) MarkRedeemed(ctx context.Context, id uint64, at time.Time) error {
	const query = `
		UPDATE positions SET
			redeemed    = TRUE,
			redeemed_at = $2,
			updated_at  = NOW()
		WHERE id = $1 AND NOT redeemed`

	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("postgres: mark position %d redeemed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id uint64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListAll returns every journaled position in id order, the order the
// ledger replays on boot.
func (s *PositionStore) ListAll(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListRedeemed returns redeemed positions filtered by redemption time.
func (s *PositionStore) ListRedeemed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE redeemed`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND redeemed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND redeemed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY redeemed_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list redeemed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan redeemed positions: %w", err)
	}
	return positions, nil
}

// Count returns the number of journaled positions.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return count, nil
}
