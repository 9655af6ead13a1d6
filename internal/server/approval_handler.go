package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dagbolade/hook-gateway/internal/approval"
	"github.com/dagbolade/hook-gateway/internal/auth"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type ApprovalHandler struct {
	queue ApprovalAdmin
}

func NewApprovalHandler(queue ApprovalAdmin) *ApprovalHandler {
	return &ApprovalHandler{queue: queue}
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
}

// List handles GET /api/approvals?status=&scope=&limit=. Without a status
// it returns the requests this process is holding open.
func (h *ApprovalHandler) List(c echo.Context) error {
	status := approval.Status(c.QueryParam("status"))
	if status == "" {
		pending := h.queue.ListPending()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"total":     len(pending),
			"approvals": pending,
		})
	}

	filter := approval.Filter{Status: status, ScopeKey: c.QueryParam("scope")}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "limit must be an integer")
		}
		filter.Limit = n
	}

	items, err := h.queue.List(c.Request().Context(), filter)
	if err != nil {
		if !status.Valid() {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		log.Error().Err(err).Msg("failed to list approvals")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve approvals")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":     len(items),
		"approvals": items,
	})
}

func (h *ApprovalHandler) Get(c echo.Context) error {
	r, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "approval request not found")
		}
		log.Error().Err(err).Str("approval_id", c.Param("id")).Msg("failed to load approval")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve approval")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *ApprovalHandler) Approve(c echo.Context) error {
	return h.decide(c, approval.StatusApproved)
}

func (h *ApprovalHandler) Deny(c echo.Context) error {
	return h.decide(c, approval.StatusDenied)
}

// decide resolves the request. Resolving an already decided request
// answers 409 with its current state.
func (h *ApprovalHandler) decide(c echo.Context, want approval.Status) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	approver := auth.Actor(c, req.Approver)

	var (
		r   approval.Request
		err error
	)
	if want == approval.StatusApproved {
		r, err = h.queue.Approve(ctx, id, approver, req.Comment)
	} else {
		r, err = h.queue.Deny(ctx, id, approver, req.Comment)
	}
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "approval request not found")
		}
		log.Error().Err(err).Str("approval_id", id).Msg("failed to resolve approval")
		return errorJSON(c, http.StatusInternalServerError, "failed to resolve approval")
	}

	if r.Status != want || r.Approver != approver {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":    "approval request already decided",
			"approval": r,
		})
	}

	log.Info().
		Str("approval_id", id).
		Str("status", string(r.Status)).
		Str("approver", approver).
		Msg("approval decided")
	return c.JSON(http.StatusOK, r)
}

// Cleanup deletes decided requests older than ?older_than=.
func (h *ApprovalHandler) Cleanup(c echo.Context) error {
	maxAge, err := parseDurationParam(c, "older_than")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	n, err := h.queue.Cleanup(c.Request().Context(), maxAge)
	if err != nil {
		log.Error().Err(err).Msg("approval cleanup failed")
		return errorJSON(c, http.StatusInternalServerError, "cleanup failed")
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}
