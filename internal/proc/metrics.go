package proc

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

// MetricsSampler periodically samples kernel resource usage, persists one
// KernelMetric row per tick and broadcasts kernel.metrics.
type MetricsSampler struct {
	manager   *Manager
	container sandbox.ContainerBackend
	store     *state.Store
	eventBus  bus.EventBus
	interval  time.Duration
	done      chan struct{}
}

// NewMetricsSampler creates the sampler. container may be nil.
func NewMetricsSampler(manager *Manager, container sandbox.ContainerBackend, interval time.Duration) *MetricsSampler {
	return &MetricsSampler{
		manager:   manager,
		container: container,
		store:     manager.store,
		eventBus:  manager.eventBus,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start begins sampling on its own worker.
func (s *MetricsSampler) Start() {
	go s.loop()
}

// Stop ends sampling.
func (s *MetricsSampler) Stop() {
	close(s.done)
}

func (s *MetricsSampler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.done:
			return
		}
	}
}

// sample is best-effort; failures are logged and the next tick retries.
func (s *MetricsSampler) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	cpuPercent := 0.0
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	memoryMB := 0.0
	if self, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := self.MemoryInfoWithContext(ctx); err == nil && info != nil {
			memoryMB = float64(info.RSS) / (1024 * 1024)
		}
	}

	containerCount := 0
	if s.container != nil {
		if n, err := s.container.Count(ctx); err == nil {
			containerCount = n
		}
	}

	metric := &state.KernelMetric{
		Timestamp:      time.Now().UTC(),
		ProcessCount:   s.manager.LiveCount(),
		CPUPercent:     cpuPercent,
		MemoryMB:       memoryMB,
		ContainerCount: containerCount,
	}
	if err := s.store.RecordMetric(ctx, metric); err != nil {
		s.manager.logger.WithError(err).Warn("failed to record metric")
	}

	bus.Emit(ctx, s.eventBus, "metrics-sampler", kernel.EvtKernelMetrics, map[string]any{
		"processCount":   metric.ProcessCount,
		"cpuPercent":     metric.CPUPercent,
		"memoryMb":       metric.MemoryMB,
		"containerCount": metric.ContainerCount,
		"timestamp":      metric.Timestamp,
	})
	s.manager.logger.Debug("sampled kernel metrics",
		zap.Int("processes", metric.ProcessCount),
		zap.Float64("cpu_percent", metric.CPUPercent))
}
