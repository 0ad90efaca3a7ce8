package plugin

import (
	"log"
	"sync"
	"time"

	gocron "github.com/robfig/cron/v3"

	"github.com/fablehost/fable/internal/telemetry"
)

// HealthMonitor periodically sweeps the registry for plugins whose subprocess
// has died. The wire protocol has no liveness probe, so without the sweep a
// dead plugin stays listed until a call against it fails.
type HealthMonitor struct {
	registry *Registry
	schedule gocron.Schedule
	logger   *log.Logger
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewHealthMonitor accepts a cron schedule spec such as "@every 30s".
func NewHealthMonitor(registry *Registry, spec string, logger *log.Logger, metrics *telemetry.Metrics) (*HealthMonitor, error) {
	if spec == "" {
		spec = "@every 30s"
	}
	schedule, err := gocron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &HealthMonitor{
		registry: registry,
		schedule: schedule,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}, nil
}

func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.loop()
}

func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()
	close(h.stop)
	h.wg.Wait()
}

func (h *HealthMonitor) loop() {
	defer h.wg.Done()
	for {
		next := h.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-h.stop:
			timer.Stop()
			return
		case <-timer.C:
			h.sweep()
		}
	}
}

func (h *HealthMonitor) sweep() {
	h.metrics.HealthSweeps.Add(1)
	if dead := h.registry.Sweep(); len(dead) > 0 {
		h.logger.Printf("health sweep removed %d dead plugin(s): %v", len(dead), dead)
	}
}
