package ingest

import (
	"context"
	"runtime/metrics"
	"sync"
	"time"
)

type FlowConfig struct {
	// FlushThreshold is the number of staged rows that forces a flush.
	FlushThreshold int
	// FlushInterval is the longest staged rows may wait for a flush.
	FlushInterval time.Duration

	InitialConcurrency int
	MaxConcurrency     int
	// Window is how many task durations are averaged. At least MinSamples
	// are needed before the level changes.
	Window     int
	MinSamples int
	// Tasks slower than HighLoad on average lower concurrency. Tasks faster
	// than LowLoad raise it unless memory is constrained.
	HighLoad time.Duration
	LowLoad  time.Duration

	// MemoryBudget is the heap size in bytes the scan aims to stay under.
	// Zero disables memory tracking.
	MemoryBudget uint64
	HighWater    float64
	LowWater     float64
	// MemoryWait bounds how long a worker waits for memory to free up.
	MemoryWait time.Duration
	MemoryPoll time.Duration

	// heap reports heap bytes in use; nil reads runtime/metrics.
	heap func() uint64
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		FlushThreshold:     500,
		FlushInterval:      5 * time.Second,
		InitialConcurrency: 4,
		MaxConcurrency:     8,
		Window:             10,
		MinSamples:         3,
		HighLoad:           2 * time.Second,
		LowLoad:            250 * time.Millisecond,
		MemoryBudget:       512 << 20,
		HighWater:          0.85,
		LowWater:           0.70,
		MemoryWait:         30 * time.Second,
		MemoryPoll:         200 * time.Millisecond,
	}
}

func (c FlowConfig) withDefaults() FlowConfig {
	d := DefaultFlowConfig()
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.InitialConcurrency <= 0 {
		c.InitialConcurrency = d.InitialConcurrency
	}
	c.InitialConcurrency = min(c.InitialConcurrency, c.MaxConcurrency)
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	c.MinSamples = min(c.MinSamples, c.Window)
	if c.HighLoad <= 0 {
		c.HighLoad = d.HighLoad
	}
	if c.LowLoad <= 0 {
		c.LowLoad = d.LowLoad
	}
	if c.HighWater <= 0 || c.HighWater > 1 {
		c.HighWater = d.HighWater
	}
	if c.LowWater <= 0 {
		c.LowWater = d.LowWater
	}
	if c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater * 0.8
	}
	if c.MemoryWait <= 0 {
		c.MemoryWait = d.MemoryWait
	}
	if c.MemoryPoll <= 0 {
		c.MemoryPoll = d.MemoryPoll
	}
	return c
}

// FlowController decides when to flush and how many artworks may be
// processed at once. It is safe for concurrent use.
type FlowController struct {
	cfg     FlowConfig
	sampler func() uint64
	now     func() time.Time

	mu          sync.Mutex
	staged      int
	lastFlush   time.Time
	level       int
	window      []time.Duration
	constrained bool
}

func NewFlowController(cfg FlowConfig) *FlowController {
	cfg = cfg.withDefaults()
	sampler := cfg.heap
	if sampler == nil {
		sampler = heapBytes
	}
	f := &FlowController{cfg: cfg, sampler: sampler, now: time.Now, level: cfg.InitialConcurrency}
	f.lastFlush = f.now()
	return f
}

func (f *FlowController) RecordStaged(n int) {
	f.mu.Lock()
	f.staged += n
	f.mu.Unlock()
}

func (f *FlowController) Staged() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staged
}

func (f *FlowController) ShouldFlush() bool {
	f.mu.Lock()
	staged := f.staged
	overdue := f.now().Sub(f.lastFlush) >= f.cfg.FlushInterval
	f.mu.Unlock()
	if staged == 0 {
		return false
	}
	return staged >= f.cfg.FlushThreshold || overdue || f.IsMemoryConstrained()
}

func (f *FlowController) ResetAfterFlush() {
	f.mu.Lock()
	f.staged = 0
	f.lastFlush = f.now()
	f.mu.Unlock()
}

func (f *FlowController) Level() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

// NextConcurrencyLevel records one task duration and returns the concurrency
// level to use from now on. The level moves by at most one per call and the
// window starts over after every change.
func (f *FlowController) NextConcurrencyLevel(observed time.Duration) int {
	constrained := f.IsMemoryConstrained()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = append(f.window, observed)
	if len(f.window) > f.cfg.Window {
		f.window = f.window[len(f.window)-f.cfg.Window:]
	}
	if len(f.window) < f.cfg.MinSamples {
		return f.level
	}
	var sum time.Duration
	for _, d := range f.window {
		sum += d
	}
	avg := sum / time.Duration(len(f.window))

	next := f.level
	switch {
	case avg > f.cfg.HighLoad:
		next = max(1, f.level-1)
	case avg < f.cfg.LowLoad && !constrained:
		next = min(f.cfg.MaxConcurrency, f.level+1)
	}
	if next != f.level {
		f.level = next
		f.window = f.window[:0]
	}
	return f.level
}

// Shed lowers the concurrency level by one, never below one, and returns it.
func (f *FlowController) Shed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.level > 1 {
		f.level--
		f.window = f.window[:0]
	}
	return f.level
}

// IsMemoryConstrained samples the heap. It turns true above the high-water
// mark and stays true until usage drops below the low-water mark.
func (f *FlowController) IsMemoryConstrained() bool {
	if f.cfg.MemoryBudget == 0 {
		return false
	}
	used := float64(f.sampler())
	budget := float64(f.cfg.MemoryBudget)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case !f.constrained && used > budget*f.cfg.HighWater:
		f.constrained = true
	case f.constrained && used < budget*f.cfg.LowWater:
		f.constrained = false
	}
	return f.constrained
}

// WaitForMemory blocks while memory is constrained, for at most MemoryWait.
// It reports whether memory was available when it returned.
func (f *FlowController) WaitForMemory(ctx context.Context) bool {
	if !f.IsMemoryConstrained() {
		return true
	}
	deadline := time.NewTimer(f.cfg.MemoryWait)
	defer deadline.Stop()
	tick := time.NewTicker(f.cfg.MemoryPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !f.IsMemoryConstrained()
		case <-tick.C:
			if !f.IsMemoryConstrained() {
				return true
			}
		}
	}
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
