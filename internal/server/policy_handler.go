package server

import (
	"errors"
	"net/http"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/policy"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// policyRequest is the admin body. Enabled defaults to true when omitted.
type policyRequest struct {
	Name            string         `json:"name"`
	Priority        int            `json:"priority"`
	Enabled         *bool          `json:"enabled"`
	EventType       hook.EventType `json:"event_type"`
	ToolNamePattern string         `json:"tool_name_pattern"`
	Action          policy.Action  `json:"action"`
	ScopeFilter     string         `json:"scope_filter"`
}

func (r policyRequest) toPolicy() policy.Policy {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return policy.Policy{
		Name:            r.Name,
		Priority:        r.Priority,
		Enabled:         enabled,
		EventType:       r.EventType,
		ToolNamePattern: r.ToolNamePattern,
		Action:          r.Action,
		ScopeFilter:     r.ScopeFilter,
		Source:          policy.SourceAPI,
	}
}

type PolicyHandler struct {
	policies PolicyAdmin
}

func NewPolicyHandler(policies PolicyAdmin) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

func (h *PolicyHandler) List(c echo.Context) error {
	items, err := h.policies.List(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list policies")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve policies")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":    len(items),
		"policies": items,
	})
}

func (h *PolicyHandler) Get(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	p, err := h.policies.Get(c.Request().Context(), id)
	if err != nil {
		return h.storeError(c, err, id)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PolicyHandler) Create(c echo.Context) error {
	var req policyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	p := req.toPolicy()
	if err := policy.Validate(p); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	if err := h.policies.Create(c.Request().Context(), &p); err != nil {
		return h.storeError(c, err, 0)
	}

	log.Info().Int64("policy_id", p.ID).Str("action", string(p.Action)).Msg("policy created")
	return c.JSON(http.StatusCreated, p)
}

func (h *PolicyHandler) Update(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	var req policyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	p := req.toPolicy()
	p.ID = id
	if err := policy.Validate(p); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	if err := h.policies.Update(c.Request().Context(), &p); err != nil {
		return h.storeError(c, err, id)
	}
	if stored, err := h.policies.Get(c.Request().Context(), id); err == nil {
		p = stored
	}

	log.Info().Int64("policy_id", id).Msg("policy updated")
	return c.JSON(http.StatusOK, p)
}

func (h *PolicyHandler) Delete(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	if err := h.policies.Delete(c.Request().Context(), id); err != nil {
		return h.storeError(c, err, id)
	}

	log.Info().Int64("policy_id", id).Msg("policy deleted")
	return c.NoContent(http.StatusNoContent)
}

func (h *PolicyHandler) storeError(c echo.Context, err error, id int64) error {
	if errors.Is(err, policy.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "policy not found")
	}
	log.Error().Err(err).Int64("policy_id", id).Msg("policy store failure")
	return errorJSON(c, http.StatusInternalServerError, "policy store failure")
}
