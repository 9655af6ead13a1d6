package server

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

func parseTimeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", name)
	}
	return t, nil
}

// parseDurationParam requires a positive Go duration.
func parseDurationParam(c echo.Context, name string) (time.Duration, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration such as 168h", name)
	}
	return d, nil
}

func parseIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", c.Param("id"))
	}
	return id, nil
}
