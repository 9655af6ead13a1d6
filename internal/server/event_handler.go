package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type EventHandler struct {
	store eventlog.Store
}

func NewEventHandler(store eventlog.Store) *EventHandler {
	return &EventHandler{store: store}
}

// List returns recent events, newest first. Query: session_id,
// project_path, scope, event_type, decision, since, until, limit.
func (h *EventHandler) List(c echo.Context) error {
	filter := eventlog.Filter{
		SessionID:   c.QueryParam("session_id"),
		ProjectPath: c.QueryParam("project_path"),
		ScopeKey:    c.QueryParam("scope"),
		EventType:   hook.EventType(c.QueryParam("event_type")),
		Decision:    hook.Decision(c.QueryParam("decision")),
	}

	var err error
	if filter.Since, err = parseTimeParam(c, "since"); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if filter.Until, err = parseTimeParam(c, "until"); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			return errorJSON(c, http.StatusBadRequest, "limit must be an integer")
		}
	}

	events, err := h.store.GetRecent(c.Request().Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list events")
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve events")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":  len(events),
		"events": events,
	})
}

// Stats aggregates events since ?since= (RFC3339), defaulting to the last
// 24 hours.
func (h *EventHandler) Stats(c echo.Context) error {
	since, err := parseTimeParam(c, "since")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}

	stats, err := h.store.Stats(c.Request().Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute event stats")
		return errorJSON(c, http.StatusInternalServerError, "failed to compute stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// Cleanup deletes finalized events older than ?older_than=.
func (h *EventHandler) Cleanup(c echo.Context) error {
	maxAge, err := parseDurationParam(c, "older_than")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	n, err := h.store.Cleanup(c.Request().Context(), maxAge)
	if err != nil {
		log.Error().Err(err).Msg("event cleanup failed")
		return errorJSON(c, http.StatusInternalServerError, "cleanup failed")
	}

	log.Info().Int64("deleted", n).Dur("older_than", maxAge).Msg("events cleaned up")
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}
