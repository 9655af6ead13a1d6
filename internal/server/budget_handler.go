package server

import (
	"errors"
	"net/http"

	"github.com/dagbolade/hook-gateway/internal/budget"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type BudgetHandler struct {
	ledger BudgetAdmin
}

func NewBudgetHandler(ledger BudgetAdmin) *BudgetHandler {
	return &BudgetHandler{ledger: ledger}
}

// List handles GET /api/budgets[?scope=<key>].
func (h *BudgetHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		entries []budget.Entry
		err     error
	)
	if key := c.QueryParam("scope"); key != "" {
		entries, err = h.ledger.Entries(ctx, key)
	} else {
		entries, err = h.ledger.List(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to list budgets")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve budgets")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(entries),
		"budgets": entries,
	})
}

// Put creates or updates one limit.
func (h *BudgetHandler) Put(c echo.Context) error {
	var req budget.Limit
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	entry, err := h.ledger.SetLimit(c.Request().Context(), req)
	if err != nil {
		log.Error().Err(err).Str("scope", req.ScopeKey).Msg("failed to set budget")
		return errorJSON(c, http.StatusInternalServerError, "failed to set budget")
	}

	log.Info().
		Str("scope", entry.ScopeKey).
		Str("period", string(entry.Period)).
		Float64("limit", entry.Limit).
		Float64("soft_limit", entry.SoftLimit).
		Msg("budget limit set")
	return c.JSON(http.StatusOK, entry)
}

// Delete handles DELETE /api/budgets?scope=&period=.
func (h *BudgetHandler) Delete(c echo.Context) error {
	key := c.QueryParam("scope")
	if key == "" {
		return errorJSON(c, http.StatusBadRequest, "scope is required")
	}
	period := budget.Period(c.QueryParam("period"))

	err := h.ledger.Delete(c.Request().Context(), key, period)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, budget.ErrInvalidPeriod):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "budget not found")
	}

	log.Error().Err(err).Str("scope", key).Msg("failed to delete budget")
	return errorJSON(c, http.StatusInternalServerError, "failed to delete budget")
}
