package server

import (
	"net/http"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// HookTimeoutHeader lets a forwarder shorten or extend its wait, within
// the gateway's cap.
const HookTimeoutHeader = "X-Hook-Timeout"

type HookHandler struct {
	gateway Decider
}

func NewHookHandler(gw Decider) *HookHandler {
	return &HookHandler{gateway: gw}
}

// Handle answers one hook call. The body always carries a decision so a
// forwarder can act on it whatever the status code.
func (h *HookHandler) Handle(c echo.Context) error {
	var p hook.Payload
	if err := c.Bind(&p); err != nil {
		log.Warn().Err(err).Str("remote_addr", c.RealIP()).Msg("malformed hook payload")
		return c.JSON(http.StatusBadRequest, hook.Response{
			Decision: hook.ResponseDeny,
			Reason:   hook.ReasonInvalidPayload,
		})
	}

	resp := h.gateway.Decide(c.Request().Context(), p, requestedTimeout(c))
	return c.JSON(statusFor(resp), resp)
}

func requestedTimeout(c echo.Context) time.Duration {
	raw := c.Request().Header.Get(HookTimeoutHeader)
	if raw == "" {
		raw = c.QueryParam("timeout")
	}
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		log.Debug().Str("timeout", raw).Msg("ignoring invalid hook timeout")
		return 0
	}
	return d
}

func statusFor(resp hook.Response) int {
	switch resp.Reason {
	case hook.ReasonInvalidPayload:
		return http.StatusBadRequest
	case hook.ReasonDuplicate:
		return http.StatusConflict
	case hook.ReasonShutdown:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
