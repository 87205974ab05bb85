package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler feeds the process gauges from gopsutil.
type SystemSampler struct {
	proc   *process.Process
	logger zerolog.Logger
}

func NewSystemSampler(logger zerolog.Logger) *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("process handle unavailable, process gauges disabled")
		proc = nil
	}
	return &SystemSampler{
		proc:   proc,
		logger: logger.With().Str("component", "system_sampler").Logger(),
	}
}

// Run samples every 10 seconds until ctx ends.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	if s.proc == nil {
		return
	}
	if memInfo, err := s.proc.MemoryInfo(); err == nil {
		ProcessMemoryBytes.Set(float64(memInfo.RSS))
	}
	if pct, err := s.proc.Percent(0); err == nil {
		ProcessCPUPercent.Set(pct)
	}
}
