package outcomes

import (
	"fmt"
	"time"
)

// Outcome is the real-world result of one agent action.
type Outcome struct {
	Agreed    bool `json:"agreed"`
	Escalated bool `json:"escalated"`
}

// Metrics is a read-only snapshot of a window.
// AgreementRate and EscalationRate are percentages in [0, 100].
type Metrics struct {
	SampleCount    int       `json:"sample_count"`
	AgreementRate  float64   `json:"agreement_rate"`
	EscalationRate float64   `json:"escalation_rate"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
}

// Validate reports counters or rates that cannot come out of a healthy window.
func (m Metrics) Validate() error {
	if m.SampleCount < 0 {
		return fmt.Errorf("negative sample count %d", m.SampleCount)
	}
	if m.AgreementRate < 0 || m.AgreementRate > 100 {
		return fmt.Errorf("agreement rate %.2f outside [0,100]", m.AgreementRate)
	}
	if m.EscalationRate < 0 || m.EscalationRate > 100 {
		return fmt.Errorf("escalation rate %.2f outside [0,100]", m.EscalationRate)
	}
	return nil
}

// WindowConfig bounds a window by sample count, by age, or both.
// A zero value disables that bound.
type WindowConfig struct {
	MaxSamples int           `json:"max_samples"`
	MaxAge     time.Duration `json:"max_age"`
}

// Validate requires at least one bound.
func (c WindowConfig) Validate() error {
	if c.MaxSamples < 0 {
		return fmt.Errorf("max_samples cannot be negative, got %d", c.MaxSamples)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max_age cannot be negative, got %s", c.MaxAge)
	}
	if c.MaxSamples == 0 && c.MaxAge == 0 {
		return fmt.Errorf("window needs max_samples or max_age")
	}
	return nil
}

type entry struct {
	at      time.Time
	outcome Outcome
}

// Window is a sliding window of outcomes. It is not safe for concurrent use;
// callers serialise access per key.
type Window struct {
	cfg     WindowConfig
	entries []entry
	head    int
	size    int
}

// NewWindow creates an empty window.
func NewWindow(cfg WindowConfig) *Window {
	w := &Window{cfg: cfg}
	if cfg.MaxSamples > 0 {
		w.entries = make([]entry, cfg.MaxSamples)
	}
	return w
}

// Record appends an outcome, evicts what no longer fits and returns the
// snapshot that includes the write.
func (w *Window) Record(o Outcome, now time.Time) Metrics {
	w.push(entry{at: now, outcome: o})
	w.expire(now)
	return w.Snapshot(now)
}

// Reset drops every entry.
func (w *Window) Reset() {
	w.head, w.size = 0, 0
	if w.cfg.MaxSamples == 0 {
		w.entries = w.entries[:0]
	}
}

// Len returns the number of retained entries, ignoring age.
func (w *Window) Len() int { return w.size }

// Snapshot computes metrics over entries that are still inside the window at
// now. It does not mutate the window.
func (w *Window) Snapshot(now time.Time) Metrics {
	var m Metrics
	var agreed, escalated int
	cutoff := w.cutoff(now)
	for i := 0; i < w.size; i++ {
		e := w.at(i)
		if !cutoff.IsZero() && e.at.Before(cutoff) {
			continue
		}
		if m.SampleCount == 0 {
			m.WindowStart = e.at
		}
		m.WindowEnd = e.at
		m.SampleCount++
		if e.outcome.Agreed {
			agreed++
		}
		if e.outcome.Escalated {
			escalated++
		}
	}
	if m.SampleCount > 0 {
		m.AgreementRate = float64(100*agreed) / float64(m.SampleCount)
		m.EscalationRate = float64(100*escalated) / float64(m.SampleCount)
	}
	return m
}

func (w *Window) cutoff(now time.Time) time.Time {
	if w.cfg.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-w.cfg.MaxAge)
}

func (w *Window) at(i int) entry {
	if w.cfg.MaxSamples > 0 {
		return w.entries[(w.head+i)%len(w.entries)]
	}
	return w.entries[w.head+i]
}

func (w *Window) push(e entry) {
	if w.cfg.MaxSamples > 0 {
		idx := (w.head + w.size) % len(w.entries)
		w.entries[idx] = e
		if w.size < len(w.entries) {
			w.size++
		} else {
			w.head = (w.head + 1) % len(w.entries)
		}
		return
	}
	w.entries = append(w.entries, e)
	w.size++
}

// expire drops entries older than MaxAge from the front.
func (w *Window) expire(now time.Time) {
	cutoff := w.cutoff(now)
	if cutoff.IsZero() {
		return
	}
	for w.size > 0 && w.at(0).at.Before(cutoff) {
		if w.cfg.MaxSamples > 0 {
			w.head = (w.head + 1) % len(w.entries)
		} else {
			w.head++
		}
		w.size--
	}
	// compact the unbounded slice once the dead prefix dominates
	if w.cfg.MaxSamples == 0 && w.head > 0 && w.head >= w.size {
		w.entries = append(w.entries[:0], w.entries[w.head:w.head+w.size]...)
		w.head = 0
	}
}
