package patrol

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/fleetd/internal/bus"
	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
	"github.com/robofleet/fleetd/internal/store"
)

// fakeClock is a manual time source. Advance fires every timer whose
// deadline has passed.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk      *fakeClock
	c        chan time.Time
	deadline time.Time
	stopped  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, c: make(chan time.Time, 1), deadline: c.now.Add(d)}
	if d <= 0 {
		t.stopped = true
		t.c <- c.now
	} else {
		c.timers = append(c.timers, t)
	}
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(c.now) {
			t.stopped = true
			select {
			case t.c <- c.now:
			default:
			}
		}
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// pendingWithin counts armed timers due within d. It distinguishes short
// timers (dwell, grace, prompts) from the long arrival timeout.
func (c *fakeClock) pendingWithin(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && t.deadline.Sub(c.now) <= d {
			n++
		}
	}
	return n
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeCommander records every issued command in order.
type fakeCommander struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommander) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeCommander) GoTo(wp string) error { return f.record("goto:" + wp) }
func (f *fakeCommander) GoHome() error        { return f.record("home") }
func (f *fakeCommander) Stop() error          { return f.record("stop") }
func (f *fakeCommander) Speak(text string) error {
	return f.record("speak:" + text)
}
func (f *fakeCommander) ShowWebview(url string) error { return f.record("webview:" + url) }
func (f *fakeCommander) CloseWebview() error          { return f.record("webview_close") }
func (f *fakeCommander) PlayVideo(url string) error   { return f.record("video:" + url) }
func (f *fakeCommander) SetGoToSpeed(t models.SpeedTier) error {
	return f.record("speed:" + string(t))
}

func (f *fakeCommander) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCommander) count(prefix string) int {
	n := 0
	for _, c := range f.list() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeLinks struct{ cmd Commander }

func (f *fakeLinks) Commander(robotID int64) (Commander, error) { return f.cmd, nil }

type fakeStatus struct{ snap models.RobotStatus }

func (f *fakeStatus) Snapshot(serial string) (models.RobotStatus, bool) { return f.snap, true }

type harness struct {
	t     *testing.T
	store *store.Store
	bus   *bus.Bus
	clk   *fakeClock
	cmd   *fakeCommander
	sup   *Supervisor
	robot models.Robot
	route models.Route
}

func newHarness(t *testing.T, steps []models.WaypointStep, loops int, settings map[string]string) *harness {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	values := map[string]string{
		models.KeyArrivalActionDelaySec: "0",
		models.KeyTTSWaitSec:            "0",
		models.KeyDisplayWaitSec:        "0",
	}
	for k, v := range settings {
		values[k] = v
	}
	require.NoError(t, st.SetSettings(values))

	robot := models.Robot{
		DisplayName:    "R1",
		Serial:         "00119260058",
		BrokerEndpoint: "broker.local",
		HomeWaypoint:   "home",
	}
	require.NoError(t, st.UpsertRobot(&robot))

	route := models.Route{Name: "loop1", OwnerRobotID: robot.ID, LoopCount: loops, ReturnWaypoint: "home"}
	require.NoError(t, st.CreateRoute(&route, steps))
	full, err := st.GetRoute(route.ID)
	require.NoError(t, err)

	clk := newFakeClock()
	cmd := &fakeCommander{}
	eventBus := bus.New()
	status := &fakeStatus{snap: models.RobotStatus{
		RobotID:        robot.ID,
		Serial:         robot.Serial,
		Connected:      true,
		BatteryPercent: 90,
		KnownWaypoints: []string{"A", "B", "home"},
	}}

	sup := NewSupervisor(context.Background(), st, eventBus, &fakeLinks{cmd: cmd}, status, WithClock(clk))
	t.Cleanup(sup.Shutdown)

	return &harness{t: t, store: st, bus: eventBus, clk: clk, cmd: cmd,
		sup: sup, robot: robot, route: *full}
}

func holdSeconds(s int) *int { return &s }

func plainStep(seq int, wp string, dwell int) models.WaypointStep {
	return models.WaypointStep{
		SequenceOrder:     seq,
		WaypointName:      wp,
		DwellSeconds:      dwell,
		OnArrivalDisplay:  models.DisplayNone,
		OnViolationAction: models.ActionNone,
	}
}

func (h *harness) start() *models.PatrolSession {
	h.t.Helper()
	session, err := h.sup.StartPatrol(h.robot.ID, h.route.ID)
	require.NoError(h.t, err)
	return session
}

func (h *harness) arrive(wp string) {
	h.sup.Deliver(h.robot.ID, models.WaypointArrived{
		EventMeta: models.Meta(h.robot.Serial, h.clk.Now()),
		Waypoint:  wp,
		Status:    "complete",
	})
}

// autoArrive answers every GoTo with an immediate arrival.
func (h *harness) autoArrive() func() {
	done := make(chan struct{})
	go func() {
		responded := 0
		for {
			select {
			case <-done:
				return
			default:
			}
			var gotos []string
			for _, c := range h.cmd.list() {
				if strings.HasPrefix(c, "goto:") {
					gotos = append(gotos, strings.TrimPrefix(c, "goto:"))
				}
			}
			for responded < len(gotos) {
				h.arrive(gotos[responded])
				responded++
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return func() { close(done) }
}

func waitCond(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitSessionStatus(sessionID int64, status models.SessionStatus) {
	h.t.Helper()
	waitCond(h.t, func() bool {
		session, err := h.store.GetSession(sessionID)
		return err == nil && session.Status == status
	}, fmt.Sprintf("session status %s", status))
}

func (h *harness) waitCall(call string) {
	h.t.Helper()
	waitCond(h.t, func() bool { return h.cmd.count(call) > 0 }, "command "+call)
}

// waitShortTimer blocks until exactly one timer due within d is armed.
func (h *harness) waitShortTimer(d time.Duration) {
	h.t.Helper()
	waitCond(h.t, func() bool { return h.clk.pendingWithin(d) == 1 },
		fmt.Sprintf("timer due within %s", d))
}

func TestPatrolCompletesRoute(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, nil)

	complete := h.bus.Subscribe(bus.TopicPatrolComplete)
	summary := h.bus.Subscribe(bus.TopicPatrolSummary)
	prompt := h.bus.Subscribe(bus.TopicYoloShutdownPrompt)
	defer complete.Close()
	defer summary.Close()
	defer prompt.Close()

	session := h.start()
	stop := h.autoArrive()
	defer stop()

	h.waitSessionStatus(session.ID, models.SessionCompleted)

	var gotos []string
	for _, c := range h.cmd.list() {
		if strings.HasPrefix(c, "goto:") {
			gotos = append(gotos, c)
		}
	}
	assert.Equal(t, []string{"goto:A", "goto:B", "goto:home"}, gotos)
	assert.Equal(t, 1, h.cmd.count("speed:"))

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 2)
	for _, insp := range inspections {
		assert.Equal(t, models.VerdictSkipped, insp.Verdict)
	}

	select {
	case <-complete.C():
	case <-time.After(time.Second):
		t.Fatal("patrol.complete not published")
	}
	select {
	case ev := <-prompt.C():
		assert.Greater(t, ev.Payload.(ShutdownPrompt).TimeoutSeconds, 0)
	case <-time.After(time.Second):
		t.Fatal("shutdown prompt not published")
	}
	select {
	case ev := <-summary.C():
		sum := ev.Payload.(models.PatrolSummary)
		assert.Equal(t, 2, sum.StepsInspected)
		assert.Equal(t, 2, sum.SkippedCount)
		assert.Equal(t, 1, sum.LoopsCompleted)
	case <-time.After(time.Second):
		t.Fatal("patrol.summary not published")
	}
}

func TestUnknownWaypointFailsBeforeNavigation(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "ghost", 0),
	}, 1, nil)

	session := h.start()
	h.waitSessionStatus(session.ID, models.SessionError)

	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "unknown_waypoint", final.ReasonForEnd)
	assert.Zero(t, h.cmd.count("goto:"), "no GoTo may be issued for an invalid route")
}

func TestLoopAccounting(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 2, nil)

	session := h.start()
	stop := h.autoArrive()
	defer stop()

	h.waitSessionStatus(session.ID, models.SessionCompleted)

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 4)
	wantSeq := []int{1, 2, 1, 2}
	for i, insp := range inspections {
		assert.Equal(t, wantSeq[i], insp.StepSequence)
	}
	assert.Equal(t, 1, h.cmd.count("goto:home"), "exactly one return navigation")
}

func TestPausePreservesRemainingDwell(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 10),
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(10 * time.Second) // the dwell timer

	h.clk.Advance(3 * time.Second)
	require.NoError(t, h.sup.Pause(h.robot.ID))
	h.waitSessionStatus(session.ID, models.SessionPaused)
	assert.Equal(t, 0, h.clk.pending(), "pause must disarm the dwell timer")

	// Wall time passing while paused must not advance the dwell.
	h.clk.Advance(20 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.cmd.count("goto:B"))

	require.NoError(t, h.sup.Resume(h.robot.ID))
	h.waitSessionStatus(session.ID, models.SessionRunning)
	h.waitShortTimer(10 * time.Second)

	h.clk.Advance(6 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.cmd.count("goto:B"), "dwell must run 7 more seconds after resume")

	h.clk.Advance(1 * time.Second)
	h.waitCall("goto:B")

	stop := h.autoArrive()
	defer stop()
	h.waitSessionStatus(session.ID, models.SessionCompleted)
}

func TestStopWithoutAnswerStaysPut(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyPatrolStopHomeTimeoutSec: "5",
		models.KeyPatrolStopAlwaysSendHome: "false",
	})

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(60 * time.Second) // the dwell timer

	require.NoError(t, h.sup.Stop(h.robot.ID))
	h.waitCall("stop")
	h.waitShortTimer(5 * time.Second) // the decision prompt timer

	h.clk.Advance(5 * time.Second)
	h.waitSessionStatus(session.ID, models.SessionStopped)

	assert.Zero(t, h.cmd.count("home"))
	assert.Zero(t, h.cmd.count("goto:home"))
}

func TestStopHomeDecisionSendsHome(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyPatrolStopHomeTimeoutSec: "30",
	})

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(60 * time.Second)

	require.NoError(t, h.sup.Stop(h.robot.ID))
	h.waitCall("stop")

	require.NoError(t, h.sup.ResolveStopHomeDecision(h.robot.ID, true))
	h.waitSessionStatus(session.ID, models.SessionStopped)
	h.waitCall("home")
}

func TestArrivalTimeoutRecordsStepAndContinues(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyArrivalTimeoutSec: "10",
	})

	session := h.start()
	h.waitCall("goto:A")
	h.waitShortTimer(10 * time.Second) // the arrival timer

	// The robot never reports arrival at A.
	h.clk.Advance(10 * time.Second)

	h.waitCall("goto:B")
	h.arrive("B")
	h.waitCall("goto:home")
	h.arrive("home")
	h.waitSessionStatus(session.ID, models.SessionCompleted)

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 2)
	assert.Equal(t, models.VerdictTimeout, inspections[0].Verdict)
	assert.Equal(t, "A", inspections[0].WaypointName)
	assert.Equal(t, models.VerdictSkipped, inspections[1].Verdict)
}

func TestAbortedNavigationRecordsStepAndContinues(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	h.sup.Deliver(h.robot.ID, models.WaypointArrived{
		EventMeta: models.Meta(h.robot.Serial, h.clk.Now()),
		Waypoint:  "A",
		Status:    "abort",
	})

	h.waitCall("goto:B")
	h.arrive("B")
	h.waitCall("goto:home")
	h.arrive("home")
	h.waitSessionStatus(session.ID, models.SessionCompleted)

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 2)
	assert.Equal(t, models.VerdictTimeout, inspections[0].Verdict)
}

func TestLinkLossBeyondGraceFailsSession(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyLinkLostGraceSec: "5",
	})

	complete := h.bus.Subscribe(bus.TopicPatrolComplete)
	defer complete.Close()

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(60 * time.Second) // the dwell timer

	h.sup.Deliver(h.robot.ID, models.LinkDisconnected{EventMeta: models.Meta(h.robot.Serial, h.clk.Now())})
	h.waitShortTimer(5 * time.Second) // the grace timer

	h.clk.Advance(5 * time.Second)
	h.waitSessionStatus(session.ID, models.SessionError)

	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "link_lost", final.ReasonForEnd)

	select {
	case <-complete.C():
		t.Fatal("patrol.complete must not fire on link loss")
	default:
	}
}

func TestLinkLossDuringStopPromptFailsSession(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyPatrolStopHomeTimeoutSec: "30",
		models.KeyPatrolStopAlwaysSendHome: "false",
		models.KeyLinkLostGraceSec:         "5",
	})

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(60 * time.Second) // the dwell timer

	require.NoError(t, h.sup.Stop(h.robot.ID))
	h.waitCall("stop")
	h.waitShortTimer(30 * time.Second) // the decision prompt timer

	h.sup.Deliver(h.robot.ID, models.LinkDisconnected{EventMeta: models.Meta(h.robot.Serial, h.clk.Now())})
	h.waitShortTimer(5 * time.Second) // the grace timer

	h.clk.Advance(5 * time.Second)
	h.waitSessionStatus(session.ID, models.SessionError)

	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "link_lost", final.ReasonForEnd)
	assert.Zero(t, h.cmd.count("home"))
}

func TestLinkReconnectWithinGraceKeepsRunning(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyLinkLostGraceSec: "10",
	})

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(60 * time.Second)

	h.sup.Deliver(h.robot.ID, models.LinkDisconnected{EventMeta: models.Meta(h.robot.Serial, h.clk.Now())})
	h.waitShortTimer(10 * time.Second) // the grace timer
	h.clk.Advance(3 * time.Second)
	h.sup.Deliver(h.robot.ID, models.LinkConnected{EventMeta: models.Meta(h.robot.Serial, h.clk.Now())})
	waitCond(t, func() bool { return h.clk.pendingWithin(10*time.Second) == 0 }, "grace timer disarmed")

	h.clk.Advance(8 * time.Second) // past the original grace deadline
	time.Sleep(30 * time.Millisecond)

	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, final.Status)
}

func TestViolationVerdictPersistsAndSpeaks(t *testing.T) {
	detectStep := plainStep(1, "A", 0)
	detectStep.DetectionEnabled = true
	detectStep.DetectionTimeoutSeconds = 30
	detectStep.NoViolationHoldSeconds = holdSeconds(3)
	detectStep.OnViolationAction = models.ActionSpeech
	detectStep.OnViolationContent = "PPE required"

	h := newHarness(t, []models.WaypointStep{
		detectStep,
		plainStep(2, "B", 0),
	}, 1, nil)

	violations := h.bus.Subscribe(bus.TopicViolationNew)
	defer violations.Close()

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(30 * time.Second) // the detection window timer

	base := h.clk.Now()
	for i, count := range []int{0, 0, 3, 4, 4, 3} {
		h.sup.DeliverDetection(models.DetectionSample{
			EventMeta:  models.Meta(h.robot.Serial, base.Add(time.Duration(i)*time.Second)),
			People:     count + 1,
			Violations: count,
		})
	}

	h.waitCall("goto:B")
	h.arrive("B")
	h.waitCall("goto:home")
	h.arrive("home")
	h.waitSessionStatus(session.ID, models.SessionCompleted)

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 2)
	assert.Equal(t, models.VerdictViolation, inspections[0].Verdict)
	assert.GreaterOrEqual(t, inspections[0].DetectionsObserved, 3)

	rows, err := h.store.ListViolations(store.ViolationFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.SeverityHigh, rows[0].Severity)
	assert.Equal(t, "A", rows[0].Location)
	require.NotNil(t, rows[0].SessionID)
	assert.Equal(t, session.ID, *rows[0].SessionID)

	assert.Equal(t, 1, h.cmd.count("speak:PPE required"))

	select {
	case <-violations.C():
	case <-time.After(time.Second):
		t.Fatal("violation.new not published")
	}
}

func TestClearVerdictRecordsInspection(t *testing.T) {
	detectStep := plainStep(1, "A", 0)
	detectStep.DetectionEnabled = true
	detectStep.DetectionTimeoutSeconds = 10
	detectStep.NoViolationHoldSeconds = holdSeconds(3)

	h := newHarness(t, []models.WaypointStep{
		detectStep,
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(10 * time.Second) // the detection window timer

	base := h.clk.Now()
	for i := 0; i < 4; i++ {
		h.sup.DeliverDetection(models.DetectionSample{
			EventMeta: models.Meta(h.robot.Serial, base.Add(time.Duration(i)*time.Second)),
			People:    2,
		})
	}

	h.waitCall("goto:B")
	h.arrive("B")
	h.waitCall("goto:home")
	h.arrive("home")
	h.waitSessionStatus(session.ID, models.SessionCompleted)

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 2)
	assert.Equal(t, models.VerdictClear, inspections[0].Verdict)
	assert.GreaterOrEqual(t, inspections[0].SmoothedConfidence, 0.9)
	assert.Equal(t, 2, inspections[0].PeopleObserved)

	rows, err := h.store.ListViolations(store.ViolationFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows, "a clear window must not persist a violation")
}

func TestDetectionWindowTimeoutRecordsTimeout(t *testing.T) {
	detectStep := plainStep(1, "A", 0)
	detectStep.DetectionEnabled = true
	detectStep.DetectionTimeoutSeconds = 10

	h := newHarness(t, []models.WaypointStep{
		detectStep,
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(10 * time.Second)

	// No samples arrive; the window elapses.
	h.clk.Advance(10 * time.Second)

	h.waitCall("goto:B")
	h.arrive("B")
	h.waitCall("goto:home")
	h.arrive("home")
	h.waitSessionStatus(session.ID, models.SessionCompleted)

	inspections, err := h.store.ListInspections(session.ID)
	require.NoError(t, err)
	require.Len(t, inspections, 2)
	assert.Equal(t, models.VerdictTimeout, inspections[0].Verdict)
}

func TestSecondStartConflicts(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	before := len(h.cmd.list())

	_, err := h.sup.StartPatrol(h.robot.ID, h.route.ID)
	require.ErrorIs(t, err, errors.ErrConflict)

	assert.Equal(t, before, len(h.cmd.list()), "conflict must not touch the wire")
	sessions, err := h.store.ListSessions(h.robot.ID, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	active, err := h.sup.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, session.ID, active[0].ID)
}

func TestLowBatteryGuardReturnsHome(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	h.sup.Deliver(h.robot.ID, models.BatteryUpdate{
		EventMeta: models.Meta(h.robot.Serial, h.clk.Now()), Percent: 10,
	})
	h.arrive("A")

	h.waitSessionStatus(session.ID, models.SessionError)
	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "low_battery", final.ReasonForEnd)
	assert.Equal(t, 1, h.cmd.count("home"))
	assert.Zero(t, h.cmd.count("goto:B"))
}

func TestEmergencyStopErrorsSession(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 60),
		plainStep(2, "B", 0),
	}, 1, nil)

	session := h.start()
	h.waitCall("goto:A")
	h.arrive("A")
	h.waitShortTimer(60 * time.Second)

	require.NoError(t, h.sup.EmergencyStop(h.robot.ID))
	h.waitSessionStatus(session.ID, models.SessionError)

	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "emergency_stop", final.ReasonForEnd)
	assert.Equal(t, 1, h.cmd.count("stop"))
}

type fakePipeline struct {
	mu    sync.Mutex
	stops int
}

func (f *fakePipeline) StopPipeline() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakePipeline) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func TestShutdownPromptTimeoutStopsPipeline(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyYoloShutdownTimeoutSec: "5",
	})
	pipeline := &fakePipeline{}
	h.sup.SetPipeline(pipeline)

	session := h.start()
	stop := h.autoArrive()
	defer stop()
	h.waitSessionStatus(session.ID, models.SessionCompleted)

	h.waitShortTimer(5 * time.Second) // the prompt timer
	assert.Zero(t, pipeline.stopCount(), "pipeline must keep running until the prompt elapses")

	h.clk.Advance(5 * time.Second)
	waitCond(t, func() bool { return pipeline.stopCount() == 1 }, "pipeline stop")
}

func TestShutdownPromptDeclinedKeepsPipeline(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyYoloShutdownTimeoutSec: "30",
	})
	pipeline := &fakePipeline{}
	h.sup.SetPipeline(pipeline)

	session := h.start()
	stop := h.autoArrive()
	defer stop()
	h.waitSessionStatus(session.ID, models.SessionCompleted)
	h.waitShortTimer(30 * time.Second)

	require.NoError(t, h.sup.ResolveShutdownPrompt(false))
	assert.Zero(t, pipeline.stopCount())
	assert.Equal(t, 0, h.clk.pending(), "declining must disarm the prompt timer")

	// The prompt is single-shot; answering again is an error.
	assert.ErrorIs(t, h.sup.ResolveShutdownPrompt(true), errors.ErrNotFound)
}

func TestShutdownPromptConfirmStopsPipeline(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, map[string]string{
		models.KeyYoloShutdownTimeoutSec: "30",
	})
	pipeline := &fakePipeline{}
	h.sup.SetPipeline(pipeline)

	session := h.start()
	stop := h.autoArrive()
	defer stop()
	h.waitSessionStatus(session.ID, models.SessionCompleted)
	h.waitShortTimer(30 * time.Second)

	require.NoError(t, h.sup.ResolveShutdownPrompt(true))
	assert.Equal(t, 1, pipeline.stopCount())
}

func TestRecoverMarksOrphanedSessions(t *testing.T) {
	h := newHarness(t, []models.WaypointStep{
		plainStep(1, "A", 0),
		plainStep(2, "B", 0),
	}, 1, nil)

	session, err := h.store.OpenSession(h.route.ID, h.robot.ID)
	require.NoError(t, err)

	require.NoError(t, h.sup.Recover())

	final, err := h.store.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, final.Status)
	assert.Equal(t, "interrupted_by_restart", final.ReasonForEnd)
}
