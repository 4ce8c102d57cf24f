package recovery

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/avramidis/strategos/internal/config"
)

// HealthSnapshot is one probe pass over the system. ActiveFailures is
// what the dispatcher acts on.
type HealthSnapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryPercent  float64       `json:"memory_percent"`
	DiskPercent    float64       `json:"disk_percent"`
	MarginLevel    float64       `json:"margin_level,omitempty"`
	TickAgeSeconds float64       `json:"tick_age_seconds,omitempty"`
	ActiveFailures []FailureKind `json:"active_failures,omitempty"`
}

// BrokerPinger is the no-op broker operation used as a liveness probe
type BrokerPinger interface {
	Ping(ctx context.Context) error
}

// MarginSource reports the account margin level in percent
type MarginSource interface {
	MarginLevel(ctx context.Context) (float64, error)
}

// ActivitySource reports when the trading pipeline last produced an
// event; silence past the staleness budget means the engine is stuck
type ActivitySource interface {
	LastEventAt() time.Time
}

// FeedSource reports when the last market tick arrived
type FeedSource interface {
	LastTickAt() time.Time
}

// Probes runs the health probe set. Any nil collaborator disables the
// probes that need it.
type Probes struct {
	cfg      config.RecoveryConfig
	diskPath string
	broker   BrokerPinger
	margin   MarginSource
	activity ActivitySource
	feed     FeedSource
	log      zerolog.Logger
}

// NewProbes wires the probe set. diskPath is the filesystem whose usage
// is watched, normally the persistence base path.
func NewProbes(cfg config.RecoveryConfig, diskPath string, broker BrokerPinger, margin MarginSource, activity ActivitySource, feed FeedSource, log zerolog.Logger) *Probes {
	return &Probes{
		cfg:      cfg,
		diskPath: diskPath,
		broker:   broker,
		margin:   margin,
		activity: activity,
		feed:     feed,
		log:      log.With().Str("component", "recovery_probes").Logger(),
	}
}

// Collect runs every probe once and returns the snapshot. Probe errors
// degrade to warnings; a broken probe never fails the cycle.
func (p *Probes) Collect(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{Timestamp: time.Now().UTC()}
	var failures []FailureKind

	// 100ms sample keeps the cycle fast; the loop period smooths it out
	if pct, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		p.log.Warn().Err(err).Msg("CPU probe failed")
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
		if pct[0] >= p.cfg.CPUCriticalThresholdPct {
			failures = append(failures, HighCPUUsage)
		}
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		p.log.Warn().Err(err).Msg("Memory probe failed")
	} else {
		snap.MemoryPercent = vm.UsedPercent
		if vm.UsedPercent >= p.cfg.MemoryCriticalThresholdPct {
			failures = append(failures, HighMemoryUsage)
		}
	}

	if p.diskPath != "" {
		if du, err := disk.Usage(p.diskPath); err != nil {
			p.log.Warn().Err(err).Str("path", p.diskPath).Msg("Disk probe failed")
		} else {
			snap.DiskPercent = du.UsedPercent
			if du.UsedPercent >= p.cfg.DiskCriticalThresholdPct {
				failures = append(failures, DiskFull)
			}
		}
	}

	if p.cfg.NetworkProbeAddr != "" && !p.dialNetwork(ctx) {
		failures = append(failures, InternetDisconnected)
	}

	if p.broker != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.broker.Ping(pingCtx); err != nil {
			failures = append(failures, BrokerConnectionLost)
		}
		cancel()
	}

	if p.margin != nil {
		if level, err := p.margin.MarginLevel(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Margin probe failed")
		} else {
			snap.MarginLevel = level
			// level 0 means no margin in use, which is healthy
			if level > 0 && level < p.cfg.MarginCriticalThreshold {
				failures = append(failures, LowMarginLevel)
			}
		}
	}

	staleBudget := p.cfg.MarketDataStaleThreshold()
	if p.feed != nil {
		if last := p.feed.LastTickAt(); !last.IsZero() {
			age := time.Since(last)
			snap.TickAgeSeconds = age.Seconds()
			if age > staleBudget {
				failures = append(failures, MarketDataStale)
			}
		}
	}

	if p.activity != nil {
		// the pipeline gets twice the feed budget before it counts as stuck
		if last := p.activity.LastEventAt(); !last.IsZero() && time.Since(last) > 2*staleBudget {
			failures = append(failures, TradingEngineStuck)
		}
	}

	snap.ActiveFailures = failures
	return snap
}

func (p *Probes) dialNetwork(ctx context.Context) bool {
	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", p.cfg.NetworkProbeAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
