package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/model"
)

// HostSampler periodically samples CPU and memory usage of the host
type HostSampler struct {
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	latest *model.HostStats

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHostSampler creates a sampler that refreshes every interval
func NewHostSampler(interval time.Duration, logger *zap.Logger) *HostSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HostSampler{
		logger:   logger.Named("host-sampler"),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start takes a first sample and refreshes it in the background
func (h *HostSampler) Start(ctx context.Context) {
	h.Sample()
	go h.loop(ctx)
}

// Stop ends background sampling
func (h *HostSampler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *HostSampler) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.Sample()
		}
	}
}

// Sample reads the current usage and caches it
func (h *HostSampler) Sample() *model.HostStats {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		h.logger.Error("Failed to get CPU usage", zap.Error(err))
		return h.Latest()
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		h.logger.Error("Failed to get memory usage", zap.Error(err))
		return h.Latest()
	}

	stats := &model.HostStats{
		CPUPercent:    cpuPercent[0],
		MemoryPercent: memInfo.UsedPercent,
		SampledAt:     time.Now(),
	}

	h.mu.Lock()
	h.latest = stats
	h.mu.Unlock()

	h.logger.Debug("Host sampled",
		zap.Float64("cpu_usage", stats.CPUPercent),
		zap.Float64("memory_usage", stats.MemoryPercent))

	s := *stats
	return &s
}

// Latest returns a copy of the newest sample, or nil before the first one
func (h *HostSampler) Latest() *model.HostStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.latest == nil {
		return nil
	}
	s := *h.latest
	return &s
}
