package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/robofleet/fleetd/internal/models"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func cfg(hold time.Duration) Config {
	return Config{
		Window:    10 * time.Second,
		Alpha:     0.4,
		OutlierZ:  2.5,
		Bootstrap: 3,
		Hold:      hold,
	}
}

func feed(d *Debouncer, violations ...int) {
	for i, v := range violations {
		d.Add(Sample{At: t0.Add(time.Duration(i) * time.Second), People: v + 1, Violations: v})
	}
}

func TestClearAfterHold(t *testing.T) {
	d := New(cfg(3 * time.Second))

	feed(d, 0, 0, 0)
	assert.Equal(t, models.VerdictPending, d.Verdict(), "only 2s of clear elapsed")

	d.Add(Sample{At: t0.Add(3 * time.Second), People: 1, Violations: 0})
	assert.Equal(t, models.VerdictClear, d.Verdict())
	assert.GreaterOrEqual(t, d.Confidence(), 0.9)
}

func TestViolationVerdict(t *testing.T) {
	d := New(cfg(3 * time.Second))

	feed(d, 0, 0, 3, 4, 4, 3)
	assert.Equal(t, models.VerdictViolation, d.Verdict())

	violations, people := d.Counts()
	assert.Equal(t, 4, violations)
	assert.Equal(t, 5, people)
	assert.Greater(t, d.Confidence(), 0.0)
}

func TestPendingWhileBootstrapping(t *testing.T) {
	d := New(cfg(3 * time.Second))

	feed(d, 5, 5)
	assert.Equal(t, models.VerdictPending, d.Verdict(), "violation needs bootstrap samples")
	assert.Equal(t, 0.0, d.Confidence())
}

func TestDuplicateTimestampIgnored(t *testing.T) {
	d := New(cfg(2 * time.Second))

	feed(d, 0, 0, 0)
	verdict := d.Verdict()
	confidence := d.Confidence()
	count := d.SampleCount()

	accepted := d.Add(Sample{At: t0.Add(2 * time.Second), People: 9, Violations: 9})
	assert.False(t, accepted)
	assert.Equal(t, verdict, d.Verdict())
	assert.Equal(t, confidence, d.Confidence())
	assert.Equal(t, count, d.SampleCount())
}

func TestClearIsMonotone(t *testing.T) {
	d := New(cfg(2 * time.Second))

	feed(d, 0, 0, 0)
	assert.Equal(t, models.VerdictClear, d.Verdict())

	// Further zero samples can never push a clear window back to pending.
	for i := 3; i < 10; i++ {
		d.Add(Sample{At: t0.Add(time.Duration(i) * time.Second), Violations: 0})
		assert.Equal(t, models.VerdictClear, d.Verdict())
	}
}

func TestViolationWinsTieAfterLongClear(t *testing.T) {
	d := New(cfg(1 * time.Second))

	feed(d, 0, 0, 0, 0)
	assert.Equal(t, models.VerdictClear, d.Verdict())

	// Sustained spike flips the window; violation wins over the latched clear.
	d.Add(Sample{At: t0.Add(4 * time.Second), Violations: 4})
	d.Add(Sample{At: t0.Add(5 * time.Second), Violations: 4})
	d.Add(Sample{At: t0.Add(6 * time.Second), Violations: 4})
	assert.Equal(t, models.VerdictViolation, d.Verdict())
}

func TestOutlierRejected(t *testing.T) {
	d := New(cfg(30 * time.Second))

	feed(d, 1, 2, 1, 2)
	accepted := d.Add(Sample{At: t0.Add(10 * time.Second), Violations: 40})
	assert.False(t, accepted, "spike far outside the window stats is an outlier")
	assert.Equal(t, 4, d.SampleCount())
}

func TestOldSamplesPruned(t *testing.T) {
	d := New(cfg(2 * time.Second))

	d.Add(Sample{At: t0, Violations: 3})
	d.Add(Sample{At: t0.Add(20 * time.Second), Violations: 0})
	assert.Equal(t, 1, d.SampleCount(), "stale sample fell out of the window")
}

func TestResetClearsState(t *testing.T) {
	d := New(cfg(1 * time.Second))

	feed(d, 0, 0, 0)
	assert.Equal(t, models.VerdictClear, d.Verdict())

	d.Reset()
	assert.Equal(t, models.VerdictPending, d.Verdict())
	assert.Equal(t, 0, d.SampleCount())
	assert.Equal(t, 0.0, d.Confidence())
}

func TestDefaultConfigStepOverride(t *testing.T) {
	settings := models.DefaultSettings()

	c := DefaultConfig(settings, nil)
	assert.Equal(t, settings.NoViolationHold, c.Hold)

	seven := 7
	c = DefaultConfig(settings, &seven)
	assert.Equal(t, 7*time.Second, c.Hold)

	zero := 0
	c = DefaultConfig(settings, &zero)
	assert.Equal(t, time.Duration(0), c.Hold, "an explicit zero hold must not inherit the default")
}

func TestZeroHoldLatchesClearImmediately(t *testing.T) {
	d := New(cfg(0))

	d.Add(Sample{At: t0, People: 1, Violations: 0})
	assert.Equal(t, models.VerdictClear, d.Verdict())
	assert.Equal(t, 1.0, d.Confidence())
}
