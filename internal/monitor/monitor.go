// Package monitor samples process and per-worker resource usage,
// throttling worker spawns near the memory ceiling and reclaiming
// headroom past it.
package monitor

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/pool"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Defaults for sampling and thresholds.
const (
	DefaultSampleInterval = 10 * time.Second
	DefaultWarnFraction   = 0.80
)

// Config controls the monitor's sampling and thresholds.
type Config struct {
	// SampleInterval is how often usage is sampled.
	SampleInterval time.Duration
	// MemoryCeiling is the heap budget in bytes; zero disables memory
	// enforcement.
	MemoryCeiling uint64
	// WarnFraction of the ceiling at which new spawns are throttled.
	WarnFraction float64
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.WarnFraction <= 0 || c.WarnFraction > 1 {
		c.WarnFraction = DefaultWarnFraction
	}
	return c
}

// Sample is one observation of system and worker usage.
type Sample struct {
	// HeapBytes is the process heap allocation.
	HeapBytes uint64
	// Workers is the number of active workers.
	Workers int
	// TotalTokens sums token usage across active workers.
	TotalTokens int64
	// TotalCost sums accumulated cost across active workers.
	TotalCost float64
	// TakenAt is when the sample was read.
	TakenAt time.Time
}

// Monitor periodically samples usage and gates the pool.
type Monitor struct {
	cfg  Config
	pool *pool.Pool

	mu        sync.RWMutex
	throttled bool
	last      Sample

	// readHeap is injectable for tests.
	readHeap func() uint64
}

// New creates a monitor over the given pool and installs its spawn
// gate.
func New(cfg Config, p *pool.Pool) *Monitor {
	m := &Monitor{
		cfg:      cfg.withDefaults(),
		pool:     p,
		readHeap: heapInUse,
	}
	p.SetThrottle(m.Throttled)
	return m
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

// sampleOnce reads heap and worker usage, updates the throttle gate,
// and reclaims headroom when the hard ceiling is breached by
// terminating the lowest-priority worker.
func (m *Monitor) sampleOnce() {
	sample := Sample{
		HeapBytes: m.readHeap(),
		TakenAt:   time.Now(),
	}
	for _, w := range m.pool.ActiveWorkers() {
		sample.Workers++
		sample.TotalTokens += w.Usage.TokensUsed
		sample.TotalCost += w.Usage.Cost
	}

	throttled := false
	if m.cfg.MemoryCeiling > 0 {
		fraction := float64(sample.HeapBytes) / float64(m.cfg.MemoryCeiling)
		throttled = fraction >= m.cfg.WarnFraction

		if fraction >= 1.0 {
			if victim := m.pool.TerminateLowestPriority("memory ceiling exceeded"); victim != nil {
				log.Printf("[MONITOR] heap %.0f%% of ceiling, terminated worker %s (priority %d)",
					fraction*100, victim.ID, victim.Priority)
			}
		} else if throttled && !m.isThrottled() {
			log.Printf("[MONITOR] heap %.0f%% of ceiling, throttling spawns", fraction*100)
		}
	}

	m.mu.Lock()
	m.throttled = throttled
	m.last = sample
	m.mu.Unlock()
}

func (m *Monitor) isThrottled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.throttled
}

// Throttled reports whether spawns should be delayed. The pool consults
// this before granting a slot.
func (m *Monitor) Throttled() bool {
	return m.isThrottled()
}

// Snapshot returns the most recent sample for the status surface.
func (m *Monitor) Snapshot() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// WorkerUsage returns the live per-worker snapshots for status queries.
func (m *Monitor) WorkerUsage() []*models.Worker {
	return m.pool.ActiveWorkers()
}
