package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Health counts failures that never change a decision but need an
// operator's attention: lost audit writes, ledger persistence and the like.
type Health struct {
	failures atomic.Int64

	mu      sync.Mutex
	lastErr string
	lastAt  time.Time
}

func NewHealth() *Health {
	return &Health{}
}

func (h *Health) Flag(err error) {
	if err == nil {
		return
	}
	h.failures.Add(1)

	h.mu.Lock()
	h.lastErr = err.Error()
	h.lastAt = time.Now().UTC()
	h.mu.Unlock()

	log.Warn().Err(err).Bool("flagged", true).Msg("operator attention required")
}

func (h *Health) Failures() int64 {
	return h.failures.Load()
}

func (h *Health) LastError() (string, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr, h.lastAt
}
