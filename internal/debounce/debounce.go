// Package debounce smooths the noisy per-frame detection stream into a
// stable per-waypoint verdict.
package debounce

import (
	"math"
	"time"

	"github.com/robofleet/fleetd/internal/models"
)

// Config tunes one detection window.
type Config struct {
	Window    time.Duration // samples older than this are discarded
	Alpha     float64       // EMA smoothing factor in (0,1]
	OutlierZ  float64       // reject samples deviating more than this many stddevs
	Bootstrap int           // first k samples are always accepted, k >= 3
	Hold      time.Duration // consecutive clear time required for a clear verdict
}

// DefaultConfig derives a window config from the resolved settings. A non-nil
// holdSeconds is the step's override; an explicit zero latches clear on the
// first zero-violation sample.
func DefaultConfig(settings models.Settings, holdSeconds *int) Config {
	hold := settings.NoViolationHold
	if holdSeconds != nil {
		hold = time.Duration(*holdSeconds) * time.Second
	}
	return Config{
		Window:    settings.DebounceWindow,
		Alpha:     settings.SmoothingFactor,
		OutlierZ:  settings.OutlierZ,
		Bootstrap: 3,
		Hold:      hold,
	}
}

// Sample is one detection reading.
type Sample struct {
	At         time.Time
	People     int
	Violations int
}

// Debouncer accumulates samples for one detection window. It is not
// goroutine-safe; the patrol executor is its only consumer.
type Debouncer struct {
	cfg Config

	samples      []Sample // accepted samples inside the window, oldest first
	emaViolation float64
	emaPeople    float64
	emaInit      bool

	clearSince  time.Time // start of the current zero-violation run
	clearActive bool
	latchClear  bool
}

// New creates a debouncer for one detection window.
func New(cfg Config) *Debouncer {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.4
	}
	if cfg.Bootstrap < 3 {
		cfg.Bootstrap = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.OutlierZ <= 0 {
		cfg.OutlierZ = 2.5
	}
	return &Debouncer{cfg: cfg}
}

// Reset discards all window state.
func (d *Debouncer) Reset() {
	d.samples = nil
	d.emaViolation = 0
	d.emaPeople = 0
	d.emaInit = false
	d.clearActive = false
	d.latchClear = false
}

// Add ingests one sample. A sample carrying a timestamp already present in
// the window is ignored, so replayed samples have no effect. Returns whether
// the sample was accepted.
func (d *Debouncer) Add(sample Sample) bool {
	for _, existing := range d.samples {
		if existing.At.Equal(sample.At) {
			return false
		}
	}

	d.prune(sample.At)

	if len(d.samples) >= d.cfg.Bootstrap {
		mean, stddev := d.stats()
		if stddev > 0 && math.Abs(float64(sample.Violations)-mean) > d.cfg.OutlierZ*stddev {
			return false
		}
	}

	d.samples = append(d.samples, sample)

	if d.emaInit {
		d.emaViolation = d.cfg.Alpha*float64(sample.Violations) + (1-d.cfg.Alpha)*d.emaViolation
		d.emaPeople = d.cfg.Alpha*float64(sample.People) + (1-d.cfg.Alpha)*d.emaPeople
	} else {
		d.emaViolation = float64(sample.Violations)
		d.emaPeople = float64(sample.People)
		d.emaInit = true
	}

	if sample.Violations == 0 {
		if !d.clearActive {
			d.clearActive = true
			d.clearSince = sample.At
		}
		if d.clearActive && sample.At.Sub(d.clearSince) >= d.cfg.Hold {
			d.latchClear = true
		}
	} else {
		d.clearActive = false
		// A clear latch survives zero samples but not a real violation spike.
		if d.violationReady() {
			d.latchClear = false
		}
	}
	return true
}

func (d *Debouncer) prune(now time.Time) {
	cutoff := now.Add(-d.cfg.Window)
	kept := d.samples[:0]
	for _, s := range d.samples {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	d.samples = kept
}

func (d *Debouncer) violationReady() bool {
	return d.emaViolation >= 1 && len(d.samples) >= d.cfg.Bootstrap
}

// Verdict returns the current window verdict. Violation wins a tie with
// clear; a latched clear never reverts to pending.
func (d *Debouncer) Verdict() models.Verdict {
	if d.violationReady() {
		return models.VerdictViolation
	}
	if d.latchClear {
		return models.VerdictClear
	}
	return models.VerdictPending
}

// Confidence is 1 − clamp(σ/μ, 0, 1) over accepted violation counts, and 0
// while the verdict is pending.
func (d *Debouncer) Confidence() float64 {
	if d.Verdict() == models.VerdictPending {
		return 0
	}
	mean, stddev := d.stats()
	if mean == 0 {
		// A uniformly clear window is fully confident.
		if stddev == 0 {
			return 1
		}
		return 0
	}
	ratio := stddev / mean
	if ratio > 1 {
		ratio = 1
	}
	return 1 - ratio
}

// Counts returns the peak violation and people counts over the window,
// which is what gets recorded on the inspection row.
func (d *Debouncer) Counts() (violations, people int) {
	for _, s := range d.samples {
		if s.Violations > violations {
			violations = s.Violations
		}
		if s.People > people {
			people = s.People
		}
	}
	return violations, people
}

// SampleCount returns the number of accepted samples in the window.
func (d *Debouncer) SampleCount() int { return len(d.samples) }

func (d *Debouncer) stats() (mean, stddev float64) {
	n := len(d.samples)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range d.samples {
		sum += float64(s.Violations)
	}
	mean = sum / float64(n)
	var variance float64
	for _, s := range d.samples {
		diff := float64(s.Violations) - mean
		variance += diff * diff
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance)
}
