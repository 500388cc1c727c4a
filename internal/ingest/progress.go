package ingest

import (
	"math"
	"sync"
	"time"
)

// Event reports scan progress. Percentage never decreases within a scan.
type Event struct {
	ScanID     string    `json:"scanId"`
	Phase      State     `json:"phase"`
	Message    string    `json:"message"`
	Current    *int      `json:"current,omitempty"`
	Total      *int      `json:"total,omitempty"`
	Percentage float64   `json:"percentage"`
	ETASeconds *int      `json:"estimatedSecondsRemaining,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	Time       time.Time `json:"time"`
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	switch e.Phase {
	case StateComplete, StateCancelled, StateFailed:
		return true
	}
	return false
}

// band is the slice of the 0-100 range a phase covers.
type band struct{ from, to float64 }

var bands = map[State]band{
	StateDiscovering: {0, 8},
	StateResolving:   {8, 10},
	StateProcessing:  {10, 90},
	StateCleanup:     {90, 99},
	StateComplete:    {100, 100},
}

type progress struct {
	scanID   string
	events   chan<- Event
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	percent      float64
	lastEmit     time.Time
	processStart time.Time
}

func newProgress(scanID string, events chan<- Event, interval time.Duration) *progress {
	return &progress{scanID: scanID, events: events, interval: interval, now: time.Now}
}

// update sends an event for phase. Unforced updates closer together than the
// interval are dropped. Sends happen under the lock so events arrive in order.
func (p *progress) update(phase State, msg string, current, total int, force bool) {
	if p.events == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if !force && now.Sub(p.lastEmit) < p.interval {
		return
	}
	p.lastEmit = now
	p.events <- p.build(phase, msg, current, total, now)
}

func (p *progress) finish(res *Result) {
	if p.events == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := p.build(res.State, finalMessage(res), -1, -1, p.now())
	ev.Result = res
	p.events <- ev
}

// build must be called with p.mu held.
func (p *progress) build(phase State, msg string, current, total int, now time.Time) Event {
	ev := Event{ScanID: p.scanID, Phase: phase, Message: msg, Time: now}
	if current >= 0 {
		ev.Current = &current
	}
	if total >= 0 {
		ev.Total = &total
	}

	if phase == StateProcessing && p.processStart.IsZero() {
		p.processStart = now
	}
	if b, ok := bands[phase]; ok {
		pct := b.from
		if total > 0 && current >= 0 {
			pct += (b.to - b.from) * math.Min(1, float64(current)/float64(total))
		}
		p.percent = math.Max(p.percent, pct)
	}
	ev.Percentage = math.Round(p.percent*10) / 10

	if phase == StateProcessing && current > 0 && total > current {
		perItem := now.Sub(p.processStart) / time.Duration(current)
		eta := int(math.Ceil((perItem * time.Duration(total-current)).Seconds()))
		ev.ETASeconds = &eta
	}
	return ev
}

func finalMessage(res *Result) string {
	switch res.State {
	case StateComplete:
		return "scan complete"
	case StateCancelled:
		return "scan cancelled"
	default:
		return "scan failed"
	}
}
