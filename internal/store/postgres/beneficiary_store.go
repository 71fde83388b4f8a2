package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/termfi/termvault/internal/domain"
)

// sinkSettingKey is the vault_settings key holding the distribution sink.
const sinkSettingKey = "distribution_sink"

// BeneficiaryStore implements domain.BeneficiaryStore using PostgreSQL.
type BeneficiaryStore struct {
	pool *pgxpool.Pool
}

// NewBeneficiaryStore creates a BeneficiaryStore backed by the given pool.
func NewBeneficiaryStore(pool *pgxpool.Pool) *BeneficiaryStore {
	return &BeneficiaryStore{pool: pool}
}

var _ domain.BeneficiaryStore = (*BeneficiaryStore)(nil)

// Insert journals a registered beneficiary.
func (s *BeneficiaryStore) Insert(ctx context.Context, b domain.Beneficiary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO beneficiaries (address, added_at) VALUES ($1, $2)
		 ON CONFLICT (address) DO NOTHING`,
		b.Address.Hex(), b.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert beneficiary %s: %w", b.Address.Hex(), err)
	}
	return nil
}

// Delete removes a beneficiary. Its allocation row is kept.
func (s *BeneficiaryStore) Delete(ctx context.Context, addr string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM beneficiaries WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("postgres: delete beneficiary %s: %w", addr, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListAll returns every registered beneficiary in registration order.
func (s *BeneficiaryStore) ListAll(ctx context.Context) ([]domain.Beneficiary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, added_at FROM beneficiaries ORDER BY added_at ASC, address ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list beneficiaries: %w", err)
	}
	defer rows.Close()

	var out []domain.Beneficiary
	for rows.Next() {
		var (
			b    domain.Beneficiary
			addr string
		)
		if err := rows.Scan(&addr, &b.AddedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan beneficiary: %w", err)
		}
		b.Address = common.HexToAddress(addr)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate beneficiaries: %w", err)
	}
	return out, nil
}

// SetSink stores the distribution sink address.
func (s *BeneficiaryStore) SetSink(ctx context.Context, addr string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		sinkSettingKey, addr,
	)
	if err != nil {
		return fmt.Errorf("postgres: set sink: %w", err)
	}
	return nil
}

// ClearSink removes the stored sink. Clearing an unset sink is a no-op.
func (s *BeneficiaryStore) ClearSink(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vault_settings WHERE key = $1`, sinkSettingKey)
	if err != nil {
		return fmt.Errorf("postgres: clear sink: %w", err)
	}
	return nil
}

// GetSink returns the stored sink address, ErrNotFound when unset.
func (s *BeneficiaryStore) GetSink(ctx context.Context) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM vault_settings WHERE key = $1`, sinkSettingKey,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: get sink: %w", err)
	}
	return value, nil
}

// AddAllocation adds delta to the lifetime allocation counter for addr.
func (s *BeneficiaryStore) AddAllocation(ctx context.Context, addr string, delta string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO allocations (address, total, updated_at)
		 VALUES ($1, $2::numeric, NOW())
		 ON CONFLICT (address) DO UPDATE SET
			total      = allocations.total + EXCLUDED.total,
			updated_at = NOW()`,
		addr, delta,
	)
	if err != nil {
		return fmt.Errorf("postgres: add allocation for %s: %w", addr, err)
	}
	return nil
}

// ListAllocations returns every lifetime allocation counter keyed by
// address, amounts as decimal strings.
func (s *BeneficiaryStore) ListAllocations(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, total::text FROM allocations`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list allocations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var addr, total string
		if err := rows.Scan(&addr, &total); err != nil {
			return nil, fmt.Errorf("postgres: scan allocation: %w", err)
		}
		out[addr] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate allocations: %w", err)
	}
	return out, nil
}
