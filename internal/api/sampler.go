package api

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/agentmesh/sandboxd/pkg/observability"
)

// systemSamplerInterval is how often the host's memory and CPU usage are
// sampled onto system_memory_usage_bytes and system_cpu_usage_percent.
const systemSamplerInterval = 15 * time.Second

// systemSampler periodically samples host memory and CPU usage via gopsutil
// and records them as gauges. gopsutil already sits in the dependency graph
// (pulled in transitively by the teacher's own module); this promotes it to
// a direct import for the one concern — host-level resource gauges — that
// nothing else in the tree covers.
type systemSampler struct {
	metrics observability.MetricsClient
	logger  observability.Logger
	stop    chan struct{}
	done    chan struct{}
}

func newSystemSampler(metrics observability.MetricsClient, logger observability.Logger) *systemSampler {
	return &systemSampler{
		metrics: metrics,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *systemSampler) start() {
	go s.run()
}

func (s *systemSampler) run() {
	defer close(s.done)

	ticker := time.NewTicker(systemSamplerInterval)
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-ticker.C:
			s.sampleOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *systemSampler) sampleOnce() {
	if s.metrics == nil {
		return
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.metrics.RecordGauge("system_memory_usage_bytes", float64(vm.Used), nil)
	} else if s.logger != nil {
		s.logger.Warn("system sampler: failed to read memory usage", map[string]interface{}{"error": err.Error()})
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		s.metrics.RecordGauge("system_cpu_usage_percent", percentages[0], nil)
	} else if err != nil && s.logger != nil {
		s.logger.Warn("system sampler: failed to read cpu usage", map[string]interface{}{"error": err.Error()})
	}
}

func (s *systemSampler) Stop() {
	close(s.stop)
	<-s.done
}
