package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/termfi/termvault/internal/domain"
)

// DistributionService defines what the distribution handler needs from the
// yield service.
type DistributionService interface {
	Distribute(ctx context.Context) (domain.DistributionRun, error)
	Distributions(ctx context.Context, limit int) ([]domain.DistributionRun, error)
}

// DistributionHandler serves distribution-run HTTP endpoints.
type DistributionHandler struct {
	yield  DistributionService
	logger *slog.Logger
}

// NewDistributionHandler creates a DistributionHandler with the given
// service and logger.
func NewDistributionHandler(yield DistributionService, logger *slog.Logger) *DistributionHandler {
	return &DistributionHandler{yield: yield, logger: logger}
}

// distributionDTO is the JSON shape of one distribution run.
type distributionDTO struct {
	ID          string   `json:"id"`
	Mode        string   `json:"mode"`
	Pool        string   `json:"pool"`
	PerShare    string   `json:"per_share"`
	Remainder   string   `json:"remainder"`
	Recipients  []string `json:"recipients"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at"`
}

func toDistributionDTO(run domain.DistributionRun) distributionDTO {
	recipients := make([]string, 0, len(run.Recipients))
	for _, addr := range run.Recipients {
		recipients = append(recipients, addr.Hex())
	}
	return distributionDTO{
		ID:          run.ID,
		Mode:        string(run.Mode),
		Pool:        run.Pool.String(),
		PerShare:    run.PerShare.String(),
		Remainder:   run.Remainder.String(),
		Recipients:  recipients,
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt: run.CompletedAt.UTC().Format(time.RFC3339),
	}
}

// ListDistributions returns recent distribution runs, newest first.
// GET /api/distributions?limit=20
func (h *DistributionHandler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 500 {
		limit = 20
	}

	runs, err := h.yield.Distributions(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list distributions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list distributions")
		return
	}

	out := make([]distributionDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toDistributionDTO(run))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"distributions": out,
		"count":         len(out),
	})
}

// TriggerDistribution runs a distribution of the undistributed pool now,
// outside the regular schedule.
// POST /api/distributions
func (h *DistributionHandler) TriggerDistribution(w http.ResponseWriter, r *http.Request) {
	run, err := h.yield.Distribute(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNothingToDistribute) {
			writeError(w, http.StatusConflict, "nothing to distribute")
			return
		}
		if errors.Is(err, domain.ErrNoBeneficiaries) {
			writeError(w, http.StatusConflict, "no beneficiaries registered")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: manual distribution failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "distribution failed")
		return
	}

	writeJSON(w, http.StatusOK, toDistributionDTO(run))
}
