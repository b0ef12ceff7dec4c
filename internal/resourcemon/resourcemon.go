// Package resourcemon periodically samples this process's own CPU and
// memory footprint and logs it, grounded on the reference CPU monitor's
// "report the number, don't gate on it" idiom.
package resourcemon

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Monitor samples process-level resource usage on a fixed interval.
type Monitor struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Monitor for the current process. A failure to locate the
// process handle (should not happen under a real OS) is returned so the
// caller can decide whether to run without it.
func New(interval time.Duration, logger zerolog.Logger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{
		proc:     proc,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run samples and logs at the configured interval until ctx is canceled or
// Stop is called. A sampling failure is logged and skipped; it never stops
// the loop.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpuPercent, err := m.proc.Percent(0)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to sample process cpu percent")
		return
	}
	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to sample process memory info")
		return
	}
	hostPercent, err := cpu.Percent(0, false)
	if err != nil || len(hostPercent) == 0 {
		hostPercent = []float64{0}
	}

	m.logger.Info().
		Float64("process_cpu_percent", cpuPercent).
		Uint64("process_rss_bytes", memInfo.RSS).
		Uint64("process_vms_bytes", memInfo.VMS).
		Float64("host_cpu_percent", hostPercent[0]).
		Msg("resource sample")
}

// Stop signals the sampling loop to exit and blocks until it has.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}
