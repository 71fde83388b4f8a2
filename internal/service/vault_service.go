package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/ledger"
)

// VaultService wraps the in-memory position ledger with journaling, event
// publication, and audit logging. The ledger stays authoritative: every
// mutation goes through it first and the journal records what already
// happened. A journal write failure is returned loudly because it means a
// restart would replay less than the live state.
type VaultService struct {
	ledger  *ledger.Ledger
	journal domain.PositionJournal
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewVaultService creates a VaultService with all required dependencies.
func NewVaultService(
	led *ledger.Ledger,
	journal domain.PositionJournal,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *VaultService {
	return &VaultService{
		ledger:  led,
		journal: journal,
		bus:     bus,
		audit:   audit,
		logger:  logger.With(slog.String("component", "vault_service")),
	}
}

// AddPosition records a locked principal-token deposit in the ledger and
// journals it. On a journal failure the position is already live in the
// ledger; the returned error reports the divergence and the caller decides
// whether to halt.
func (s *VaultService) AddPosition(ctx context.Context, token common.Address, amount *big.Int, maturity time.Time) (domain.Position, error) {
	pos, newMaturity, err := s.ledger.AddPosition(token, amount, maturity)
	if err != nil {
		return domain.Position{}, fmt.Errorf("vault_service: add position: %w", err)
	}

	if err := s.journal.Insert(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "vault_service: position journal write failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return pos, fmt.Errorf("vault_service: journal position %d: %w", pos.ID, err)
	}

	s.emit(ctx, domain.ChannelPositions, map[string]any{
		"event":           "position_opened",
		"position_id":     pos.ID,
		"principal_token": pos.PrincipalToken.Hex(),
		"amount":          pos.Amount.String(),
		"maturity":        pos.Maturity.Format(time.RFC3339),
	})
	if newMaturity {
		s.emit(ctx, domain.ChannelMaturities, map[string]any{
			"event":       "maturity_registered",
			"maturity":    pos.Maturity.Format(time.RFC3339),
			"position_id": pos.ID,
		})
	}

	if auditErr := s.audit.Log(ctx, "position_opened", map[string]any{
		"position_id":     pos.ID,
		"principal_token": pos.PrincipalToken.Hex(),
		"amount":          pos.Amount.String(),
		"maturity":        pos.Maturity.Format(time.RFC3339),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "vault_service: audit log failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "vault_service: position opened",
		slog.Uint64("position_id", pos.ID),
		slog.String("amount", pos.Amount.String()),
		slog.Time("maturity", pos.Maturity),
	)

	return pos, nil
}

// MarkRedeemed transitions a matured position to redeemed after the
// external redemption has gone through, then journals the transition.
func (s *VaultService) MarkRedeemed(ctx context.Context, id uint64) (domain.Position, error) {
	pos, err := s.ledger.MarkRedeemed(id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("vault_service: redeem position %d: %w", id, err)
	}

	if err := s.journal.MarkRedeemed(ctx, pos.ID, *pos.RedeemedAt); err != nil {
		s.logger.ErrorContext(ctx, "vault_service: redemption journal write failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return pos, fmt.Errorf("vault_service: journal redemption %d: %w", pos.ID, err)
	}

	s.emit(ctx, domain.ChannelPositions, map[string]any{
		"event":           "position_redeemed",
		"position_id":     pos.ID,
		"principal_token": pos.PrincipalToken.Hex(),
		"amount":          pos.Amount.String(),
		"maturity":        pos.Maturity.Format(time.RFC3339),
	})

	if auditErr := s.audit.Log(ctx, "position_redeemed", map[string]any{
		"position_id": pos.ID,
		"amount":      pos.Amount.String(),
		"redeemed_at": pos.RedeemedAt.Format(time.RFC3339),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "vault_service: audit log failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "vault_service: position redeemed",
		slog.Uint64("position_id", pos.ID),
		slog.String("amount", pos.Amount.String()),
	)

	return pos, nil
}

// Restore replays the journal into the ledger. Called once at boot before
// any mutating traffic.
func (s *VaultService) Restore(ctx context.Context) error {
	positions, err := s.journal.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("vault_service: load position journal: %w", err)
	}
	if err := s.ledger.Restore(positions); err != nil {
		return fmt.Errorf("vault_service: restore ledger: %w", err)
	}
	s.logger.InfoContext(ctx, "vault_service: ledger restored",
		slog.Int("positions", len(positions)),
	)
	return nil
}

// Position returns one position by id.
func (s *VaultService) Position(id uint64) (domain.Position, error) {
	pos, err := s.ledger.Position(id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("vault_service: position %d: %w", id, err)
	}
	return pos, nil
}

// Positions returns a snapshot of every position in creation order.
func (s *VaultService) Positions() []domain.Position {
	return s.ledger.Positions()
}

// MaturedPositions returns matured, non-redeemed positions in creation order.
func (s *VaultService) MaturedPositions() []domain.MaturedPosition {
	return s.ledger.MaturedPositions()
}

// Maturities returns the per-maturity aggregate view in registration order.
func (s *VaultService) Maturities() []domain.MaturityInfo {
	return s.ledger.Maturities()
}

// UpcomingMaturities returns maturities falling inside the next daysAhead
// days, in registration order.
func (s *VaultService) UpcomingMaturities(daysAhead int) []time.Time {
	return s.ledger.UpcomingMaturities(daysAhead)
}

// PositionsByMaturity returns the ids of positions locked until maturity.
func (s *VaultService) PositionsByMaturity(maturity time.Time) []uint64 {
	return s.ledger.PositionsByMaturity(maturity)
}

// Outstanding returns the non-redeemed principal locked until maturity.
func (s *VaultService) Outstanding(maturity time.Time) *big.Int {
	return s.ledger.Outstanding(maturity)
}

// TotalLocked returns the total non-redeemed principal across maturities.
func (s *VaultService) TotalLocked() *big.Int {
	return s.ledger.TotalLocked()
}

// RedeemableAmount returns the total principal of matured, non-redeemed
// positions.
func (s *VaultService) RedeemableAmount() *big.Int {
	return s.ledger.RedeemableAmount()
}

// PositionCount returns the number of positions ever created.
func (s *VaultService) PositionCount() int {
	return s.ledger.Len()
}

// MaturityCount returns the number of distinct maturities registered.
func (s *VaultService) MaturityCount() int {
	return s.ledger.MaturityCount()
}

// emit publishes an event on a channel and appends it to the durable event
// stream. Delivery is best-effort; failures are logged, never returned.
func (s *VaultService) emit(ctx context.Context, channel string, payload map[string]any) {
	evt, _ := json.Marshal(payload)
	if pubErr := s.bus.Publish(ctx, channel, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "vault_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", pubErr.Error()),
		)
	}
	if appendErr := s.bus.StreamAppend(ctx, domain.StreamEvents, evt); appendErr != nil {
		s.logger.WarnContext(ctx, "vault_service: stream append failed",
			slog.String("error", appendErr.Error()),
		)
	}
}
