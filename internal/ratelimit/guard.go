// Package ratelimit implements the Acceptor's admission control: a
// connection-rate token bucket plus a CPU emergency brake.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Guard gates new WebSocket connections on a token-bucket connection rate
// and a sampled-CPU reject threshold.
type Guard struct {
	conns     *rate.Limiter
	cpuReject float64
	logger    zerolog.Logger
}

// Config configures a Guard. Burst and PerSec come straight from
// config.Config's TP_CONN_RATE_* knobs; CPURejectPercent from
// TP_CPU_REJECT_THRESHOLD.
type Config struct {
	Burst            int
	PerSec           float64
	CPURejectPercent float64
}

// New builds a Guard from Config.
func New(cfg Config, logger zerolog.Logger) *Guard {
	return &Guard{
		conns:     rate.NewLimiter(rate.Limit(cfg.PerSec), cfg.Burst),
		cpuReject: cfg.CPURejectPercent,
		logger:    logger,
	}
}

// Allow decides whether a new connection may be admitted. It samples CPU
// briefly (50ms, non-blocking on the Acceptor's accept loop since it's only
// invoked once per inbound connection), trading a short stall for an
// up-to-date reading instead of a stale cached gauge.
func (g *Guard) Allow() (ok bool, reason string) {
	if !g.conns.Allow() {
		return false, "connection rate limit exceeded"
	}

	percents, err := cpu.Percent(50*time.Millisecond, false)
	if err == nil && len(percents) > 0 && percents[0] > g.cpuReject {
		return false, fmt.Sprintf("cpu %.1f%% > reject threshold %.1f%%", percents[0], g.cpuReject)
	}

	return true, ""
}
