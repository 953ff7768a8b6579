// Package patrol drives robots through routes: one executor per active
// session runs the waypoint state machine, and the supervisor owns executor
// lifecycles and the one-patrol-per-robot rule.
package patrol

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/robofleet/fleetd/internal/bus"
	"github.com/robofleet/fleetd/internal/debounce"
	"github.com/robofleet/fleetd/internal/models"
	"github.com/robofleet/fleetd/internal/telemetry"
)

// Commander is the slice of the robot link an executor drives.
type Commander interface {
	GoTo(waypoint string) error
	GoHome() error
	Stop() error
	Speak(text string) error
	ShowWebview(url string) error
	CloseWebview() error
	PlayVideo(url string) error
	SetGoToSpeed(tier models.SpeedTier) error
}

// SessionStore is the slice of the fleet store an executor writes through.
type SessionStore interface {
	AdvanceSession(sessionID int64, stepIndex, loop int) error
	SetSessionStatus(sessionID int64, status models.SessionStatus, reason string) error
	RecordInspection(insp *models.WaypointInspection) error
	RecordViolation(v *models.Violation, highThreshold int) error
}

// StatusUpdate is the patrol.status payload.
type StatusUpdate struct {
	SessionID int64  `json:"sessionId"`
	RobotID   int64  `json:"robotId"`
	RouteID   int64  `json:"routeId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	StepIndex int    `json:"stepIndex"`
	Loop      int    `json:"loop"`
}

// ShutdownPrompt is the yolo.shutdown_prompt payload asking the operator
// whether the detection pipeline should wind down.
type ShutdownPrompt struct {
	SessionID      int64 `json:"sessionId"`
	TimeoutSeconds int   `json:"timeoutSeconds"`
}

// outcome is how a patrol ended. An empty status means the process is
// shutting down and the session row is left for restart recovery.
type outcome struct {
	status models.SessionStatus
	reason string
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlStop
	ctrlEmergency
	ctrlSpeed
	ctrlStopHome
)

type control struct {
	kind     ctrlKind
	tier     models.SpeedTier
	sendHome bool
}

type executorParams struct {
	session  models.PatrolSession
	route    models.Route
	robot    models.Robot
	cmd      Commander
	store    SessionStore
	bus      *bus.Bus
	settings models.Settings
	clock    Clock
	log      zerolog.Logger

	knownWaypoints []string
	battery        int
	batteryKnown   bool

	onDone func(*Executor, outcome)
}

// Executor runs one patrol session. All state transitions happen on its run
// goroutine; the rest of the process talks to it through bounded channels.
type Executor struct {
	session  models.PatrolSession
	route    models.Route
	robot    models.Robot
	cmd      Commander
	store    SessionStore
	bus      *bus.Bus
	settings models.Settings
	clock    Clock
	log      zerolog.Logger

	events   chan models.RobotEvent
	controls chan control

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onDone func(*Executor, outcome)

	// Run-goroutine state. Never touched from outside.
	loop           int
	stepIndex      int
	paused         bool
	battery        int
	batteryKnown   bool
	knownWaypoints []string
	linkDown       bool
	graceTimer     Timer
	graceC         <-chan time.Time
}

func newExecutor(ctx context.Context, p executorParams) *Executor {
	runCtx, cancel := context.WithCancel(ctx)
	return &Executor{
		session:        p.session,
		route:          p.route,
		robot:          p.robot,
		cmd:            p.cmd,
		store:          p.store,
		bus:            p.bus,
		settings:       p.settings,
		clock:          p.clock,
		log:            p.log,
		events:         make(chan models.RobotEvent, 64),
		controls:       make(chan control, 8),
		ctx:            runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
		onDone:         p.onDone,
		loop:           p.session.CurrentLoop,
		battery:        p.battery,
		batteryKnown:   p.batteryKnown,
		knownWaypoints: p.knownWaypoints,
	}
}

// Session returns the session this executor runs.
func (e *Executor) Session() models.PatrolSession { return e.session }

// Done is closed when the executor has terminated.
func (e *Executor) Done() <-chan struct{} { return e.done }

// deliver hands the executor a routed event. Never blocks; a full queue
// drops the event since the projection remains authoritative.
func (e *Executor) deliver(ev models.RobotEvent) {
	select {
	case e.events <- ev:
	default:
		e.log.Debug().Str("serial", e.robot.Serial).Msg("Executor event queue full, event dropped")
	}
}

func (e *Executor) control(c control) bool {
	select {
	case e.controls <- c:
		return true
	case <-e.done:
		return false
	}
}

func (e *Executor) run() {
	out := e.patrol()
	e.finish(out)
	close(e.done)
	if e.onDone != nil {
		e.onDone(e, out)
	}
}

func (e *Executor) patrol() outcome {
	e.publishStatus("starting", "")

	if wp, ok := e.unknownWaypoint(); !ok {
		e.log.Error().Str("waypoint", wp).Int64("session", e.session.ID).
			Msg("Route references a waypoint the robot does not know")
		return outcome{models.SessionError, "unknown_waypoint"}
	}
	if err := e.cmd.SetGoToSpeed(e.settings.DefaultMovementSpeedTier); err != nil {
		e.log.Warn().Err(err).Msg("Failed to set patrol speed")
	}
	e.publishStatus("running", "")

	for {
		for i, step := range e.route.Steps {
			if out, stop := e.runStep(i, step); stop {
				return out
			}
		}
		if !e.route.Unbounded() && e.loop >= e.route.LoopCount {
			break
		}
		e.loop++
	}
	return e.returning()
}

func (e *Executor) runStep(i int, step models.WaypointStep) (outcome, bool) {
	e.stepIndex = i
	if out, stop := e.guard(); stop {
		return out, true
	}
	if err := e.persist("advance_session", func() error {
		return e.store.AdvanceSession(e.session.ID, i, e.loop)
	}); err != nil {
		return outcome{models.SessionError, "store_failure"}, true
	}

	navStart := e.clock.Now()
	reached, out, stop := e.navigate(step.WaypointName)
	if stop {
		return out, true
	}
	if !reached {
		return e.recordUnreached(step, navStart)
	}
	if out, stop := e.arrivalActions(step); stop {
		return out, true
	}
	if out, stop := e.inspect(step); stop {
		return out, true
	}
	return e.sleep(time.Duration(step.DwellSeconds) * time.Second)
}

// guard is the low-battery check applied at state entry.
func (e *Executor) guard() (outcome, bool) {
	if e.batteryKnown && e.battery <= e.settings.LowBatteryPercent {
		if err := e.cmd.GoHome(); err != nil {
			e.log.Warn().Err(err).Msg("Low-battery return failed")
		}
		return outcome{models.SessionError, "low_battery"}, true
	}
	return outcome{}, false
}

// navigate drives the robot to a waypoint. A rejected GoTo, an aborted
// approach, or an arrival timeout leaves the step unreached and the patrol
// moves on; only controls, link loss, and shutdown end the session here.
func (e *Executor) navigate(waypoint string) (bool, outcome, bool) {
	if err := e.cmd.GoTo(waypoint); err != nil {
		e.log.Warn().Err(err).Str("waypoint", waypoint).Msg("GoTo failed")
		return false, outcome{}, false
	}

	res := e.waitFor(e.settings.ArrivalTimeout, matchArrival(waypoint))
	switch res.kind {
	case waitMatched:
		if res.ev.(models.WaypointArrived).Aborted() {
			e.log.Warn().Str("waypoint", waypoint).Msg("Navigation aborted by robot")
			return false, outcome{}, false
		}
		e.bus.Publish(bus.TopicPatrolWaypointReached, StatusUpdate{
			SessionID: e.session.ID, RobotID: e.robot.ID, RouteID: e.route.ID,
			Status: "waypoint_reached", Reason: waypoint,
			StepIndex: e.stepIndex, Loop: e.loop,
		})
		return true, outcome{}, false
	case waitElapsed:
		e.log.Warn().Str("waypoint", waypoint).Msg("Arrival timed out")
		return false, outcome{}, false
	default:
		out, stop := e.resolveWait(res)
		return false, out, stop
	}
}

// recordUnreached writes the timeout inspection row for a step the robot
// never reached, so every visit leaves history even when navigation fails.
func (e *Executor) recordUnreached(step models.WaypointStep, started time.Time) (outcome, bool) {
	insp := models.WaypointInspection{
		SessionID:    e.session.ID,
		StepSequence: step.SequenceOrder,
		WaypointName: step.WaypointName,
		StartedAt:    started,
		EndedAt:      e.clock.Now(),
		Verdict:      models.VerdictTimeout,
	}
	if err := e.persist("record_inspection", func() error {
		return e.store.RecordInspection(&insp)
	}); err != nil {
		return outcome{models.SessionError, "store_failure"}, true
	}
	e.publishStatus("waypoint_unreachable", step.WaypointName)
	return outcome{}, false
}

func matchArrival(waypoint string) func(models.RobotEvent) bool {
	return func(ev models.RobotEvent) bool {
		arr, ok := ev.(models.WaypointArrived)
		return ok && arr.Waypoint == waypoint && (arr.Arrived() || arr.Aborted())
	}
}

// arrivalActions sequences the on-arrival cues: delay, display, speech, then
// the display linger and webview close.
func (e *Executor) arrivalActions(step models.WaypointStep) (outcome, bool) {
	if out, stop := e.sleep(e.settings.ArrivalActionDelay); stop {
		return out, true
	}

	display := step.OnArrivalDisplay != models.DisplayNone && step.OnArrivalContent != ""
	if display {
		switch step.OnArrivalDisplay {
		case models.DisplayWebview:
			if err := e.cmd.ShowWebview(step.OnArrivalContent); err != nil {
				e.log.Warn().Err(err).Msg("Arrival webview failed")
			}
		case models.DisplayVideo:
			if err := e.cmd.PlayVideo(step.OnArrivalContent); err != nil {
				e.log.Warn().Err(err).Msg("Arrival video failed")
			}
		}
	}
	if step.OnArrivalSpeech != "" {
		if err := e.cmd.Speak(step.OnArrivalSpeech); err != nil {
			e.log.Warn().Err(err).Msg("Arrival speech failed")
		}
		if out, stop := e.sleep(e.settings.TTSWait); stop {
			return out, true
		}
	}
	if display {
		if out, stop := e.sleep(e.settings.DisplayWait); stop {
			return out, true
		}
		if step.OnArrivalDisplay == models.DisplayWebview {
			if out, stop := e.sleep(e.webviewCloseDelay(step)); stop {
				return out, true
			}
			if err := e.cmd.CloseWebview(); err != nil {
				e.log.Warn().Err(err).Msg("Webview close failed")
			}
		}
	}
	return outcome{}, false
}

// inspect runs the detection window for the step and records the outcome.
// Steps without detection still record a skipped inspection so every visit
// leaves a row.
func (e *Executor) inspect(step models.WaypointStep) (outcome, bool) {
	started := e.clock.Now()

	if !step.DetectionEnabled {
		insp := models.WaypointInspection{
			SessionID:    e.session.ID,
			StepSequence: step.SequenceOrder,
			WaypointName: step.WaypointName,
			StartedAt:    started,
			EndedAt:      started,
			Verdict:      models.VerdictSkipped,
		}
		if err := e.persist("record_inspection", func() error {
			return e.store.RecordInspection(&insp)
		}); err != nil {
			return outcome{models.SessionError, "store_failure"}, true
		}
		return outcome{}, false
	}

	deb := debounce.New(debounce.DefaultConfig(e.settings, step.NoViolationHoldSeconds))
	timeout := e.settings.DetectionTimeout
	if step.DetectionTimeoutSeconds > 0 {
		timeout = time.Duration(step.DetectionTimeoutSeconds) * time.Second
	}

	res := e.waitFor(timeout, func(ev models.RobotEvent) bool {
		sample, ok := ev.(models.DetectionSample)
		if !ok {
			return false
		}
		deb.Add(debounce.Sample{At: sample.At, People: sample.People, Violations: sample.Violations})
		return deb.Verdict() != models.VerdictPending
	})

	var verdict models.Verdict
	switch res.kind {
	case waitMatched:
		verdict = deb.Verdict()
	case waitElapsed:
		verdict = models.VerdictTimeout
	default:
		return e.resolveWait(res)
	}

	violations, people := deb.Counts()
	insp := models.WaypointInspection{
		SessionID:          e.session.ID,
		StepSequence:       step.SequenceOrder,
		WaypointName:       step.WaypointName,
		StartedAt:          started,
		EndedAt:            e.clock.Now(),
		DetectionsObserved: violations,
		PeopleObserved:     people,
		Verdict:            verdict,
		SmoothedConfidence: deb.Confidence(),
	}
	if err := e.persist("record_inspection", func() error {
		return e.store.RecordInspection(&insp)
	}); err != nil {
		return outcome{models.SessionError, "store_failure"}, true
	}
	telemetry.Get().InspectionObserved(insp.EndedAt.Sub(insp.StartedAt).Seconds())

	if verdict == models.VerdictViolation {
		if out, stop := e.onViolation(step, violations, people, insp.SmoothedConfidence); stop {
			return out, true
		}
	}
	return outcome{}, false
}

func (e *Executor) onViolation(step models.WaypointStep, violations, people int, confidence float64) (outcome, bool) {
	robotID, sessionID := e.robot.ID, e.session.ID
	v := &models.Violation{
		RobotID:     &robotID,
		SessionID:   &sessionID,
		Location:    step.WaypointName,
		Kind:        "detection",
		Count:       violations,
		PeopleCount: people,
		Confidence:  confidence,
		ObservedAt:  e.clock.Now(),
	}
	if err := e.persist("record_violation", func() error {
		return e.store.RecordViolation(v, e.settings.HighViolationThreshold)
	}); err != nil {
		return outcome{models.SessionError, "store_failure"}, true
	}
	telemetry.Get().ViolationRecorded(string(v.Severity))
	e.bus.Publish(bus.TopicViolationNew, v)

	switch step.OnViolationAction {
	case models.ActionSpeech:
		if err := e.cmd.Speak(step.OnViolationContent); err != nil {
			e.log.Warn().Err(err).Msg("Violation speech failed")
		}
	case models.ActionWebview:
		if err := e.cmd.ShowWebview(step.OnViolationContent); err != nil {
			e.log.Warn().Err(err).Msg("Violation webview failed")
		}
		if out, stop := e.sleep(e.webviewCloseDelay(step)); stop {
			return out, true
		}
		if err := e.cmd.CloseWebview(); err != nil {
			e.log.Warn().Err(err).Msg("Webview close failed")
		}
	case models.ActionVideo:
		if err := e.cmd.PlayVideo(step.OnViolationContent); err != nil {
			e.log.Warn().Err(err).Msg("Violation video failed")
		}
	}
	return outcome{}, false
}

// returning drives the robot back to the return waypoint. Arrival and
// timeout both complete the session.
func (e *Executor) returning() outcome {
	if out, stop := e.guard(); stop {
		return out
	}
	target := e.route.ReturnWaypoint
	if target == "" {
		target = e.robot.HomeWaypoint
	}
	if target == "" {
		target = e.settings.HomeBaseWaypoint
	}

	if err := e.cmd.GoTo(target); err != nil {
		e.log.Warn().Err(err).Str("waypoint", target).Msg("Return navigation failed")
		return outcome{models.SessionCompleted, ""}
	}
	res := e.waitFor(e.settings.ArrivalTimeout, matchArrival(target))
	switch res.kind {
	case waitMatched, waitElapsed:
		return outcome{models.SessionCompleted, ""}
	default:
		out, _ := e.resolveWait(res)
		return out
	}
}

// stopFlow handles an operator stop: cancel navigation, then hold the
// bounded send-home prompt. With no answer the configured default applies.
func (e *Executor) stopFlow() outcome {
	if err := e.cmd.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("Stop command failed")
	}
	e.publishStatus("stopping", "awaiting_home_decision")

	sendHome := e.settings.PatrolStopAlwaysSendHome
	timer := e.clock.NewTimer(e.settings.PatrolStopHomeTimeout)
	for decided := false; !decided; {
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return outcome{}
		case <-timer.C():
			decided = true
		case <-e.graceC:
			if e.linkDown {
				timer.Stop()
				return outcome{models.SessionError, "link_lost"}
			}
		case c := <-e.controls:
			switch c.kind {
			case ctrlStopHome:
				sendHome = c.sendHome
				decided = true
				timer.Stop()
			case ctrlEmergency:
				timer.Stop()
				return e.emergencyFlow()
			}
		case ev := <-e.events:
			e.observe(ev)
		}
	}

	if sendHome {
		if err := e.cmd.GoHome(); err != nil {
			e.log.Warn().Err(err).Msg("Post-stop return home failed")
		}
	}
	return outcome{models.SessionStopped, "operator_stop"}
}

func (e *Executor) emergencyFlow() outcome {
	if err := e.cmd.Stop(); err != nil {
		e.log.Error().Err(err).Msg("Emergency stop command failed")
	}
	return outcome{models.SessionError, "emergency_stop"}
}

func (e *Executor) finish(out outcome) {
	e.stopGrace()
	if out.status == "" {
		// Process shutdown. The row stays active for restart recovery.
		return
	}
	if err := e.persist("set_session_status", func() error {
		return e.store.SetSessionStatus(e.session.ID, out.status, out.reason)
	}); err != nil {
		e.log.Error().Err(err).Int64("session", e.session.ID).Msg("Failed to finalize session")
	}

	switch out.status {
	case models.SessionCompleted:
		e.publishStatus("completed", "")
		e.bus.Publish(bus.TopicPatrolComplete, StatusUpdate{
			SessionID: e.session.ID, RobotID: e.robot.ID, RouteID: e.route.ID,
			Status: "completed", Loop: e.loop, StepIndex: e.stepIndex,
		})
		e.bus.Publish(bus.TopicYoloShutdownPrompt, ShutdownPrompt{
			SessionID:      e.session.ID,
			TimeoutSeconds: int(e.settings.YoloShutdownTimeout / time.Second),
		})
	case models.SessionStopped:
		e.publishStatus("stopped", out.reason)
	default:
		e.publishStatus("error", out.reason)
	}
}

type waitKind int

const (
	waitElapsed waitKind = iota
	waitMatched
	waitStopped
	waitEmergency
	waitTerminal
	waitCanceled
)

type waitResult struct {
	kind waitKind
	ev   models.RobotEvent
	out  outcome
}

// waitFor blocks for at most d while pumping controls and routed events.
// Pausing freezes the remaining time; resuming rearms the timer with exactly
// what was left. match, when set, is applied to each event outside pause and
// a true return ends the wait.
func (e *Executor) waitFor(d time.Duration, match func(models.RobotEvent) bool) waitResult {
	if d <= 0 && match == nil {
		return waitResult{kind: waitElapsed}
	}

	remaining := d
	segStart := e.clock.Now()
	var timer Timer
	var timerC <-chan time.Time
	if !e.paused && remaining > 0 {
		timer = e.clock.NewTimer(remaining)
		timerC = timer.C()
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-e.ctx.Done():
			stopTimer()
			return waitResult{kind: waitCanceled}

		case <-timerC:
			timer, timerC = nil, nil
			return waitResult{kind: waitElapsed}

		case <-e.graceC:
			if e.linkDown {
				stopTimer()
				return waitResult{kind: waitTerminal, out: outcome{models.SessionError, "link_lost"}}
			}

		case ev := <-e.events:
			e.observe(ev)
			if e.paused || match == nil {
				continue
			}
			if match(ev) {
				stopTimer()
				return waitResult{kind: waitMatched, ev: ev}
			}

		case c := <-e.controls:
			switch c.kind {
			case ctrlPause:
				if e.paused {
					continue
				}
				e.paused = true
				if timer != nil {
					remaining -= e.clock.Now().Sub(segStart)
					stopTimer()
				}
				e.mirrorStatus(models.SessionPaused)
				e.publishStatus("paused", "")
			case ctrlResume:
				if !e.paused {
					continue
				}
				e.paused = false
				segStart = e.clock.Now()
				e.mirrorStatus(models.SessionRunning)
				e.publishStatus("running", "")
				if d > 0 {
					if remaining <= 0 {
						return waitResult{kind: waitElapsed}
					}
					timer = e.clock.NewTimer(remaining)
					timerC = timer.C()
				}
			case ctrlStop:
				stopTimer()
				return waitResult{kind: waitStopped}
			case ctrlEmergency:
				stopTimer()
				return waitResult{kind: waitEmergency}
			case ctrlSpeed:
				if err := e.cmd.SetGoToSpeed(c.tier); err != nil {
					e.log.Warn().Err(err).Msg("Speed change failed")
				}
			case ctrlStopHome:
				// Only meaningful inside the stop prompt.
			}
		}
	}
}

func (e *Executor) resolveWait(res waitResult) (outcome, bool) {
	switch res.kind {
	case waitStopped:
		return e.stopFlow(), true
	case waitEmergency:
		return e.emergencyFlow(), true
	case waitTerminal:
		return res.out, true
	case waitCanceled:
		return outcome{}, true
	}
	return outcome{}, false
}

func (e *Executor) sleep(d time.Duration) (outcome, bool) {
	res := e.waitFor(d, nil)
	if res.kind == waitElapsed {
		return outcome{}, false
	}
	return e.resolveWait(res)
}

// observe folds routed telemetry into run-loop state. Link transitions arm
// and disarm the loss grace timer.
func (e *Executor) observe(ev models.RobotEvent) {
	switch t := ev.(type) {
	case models.BatteryUpdate:
		e.battery = t.Percent
		e.batteryKnown = true
	case models.WaypointList:
		e.knownWaypoints = t.Waypoints
	case models.LinkDisconnected:
		if !e.linkDown {
			e.linkDown = true
			e.stopGrace()
			e.graceTimer = e.clock.NewTimer(e.settings.LinkLostGrace)
			e.graceC = e.graceTimer.C()
		}
	case models.LinkConnected:
		e.linkDown = false
		e.stopGrace()
	}
}

func (e *Executor) stopGrace() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
		e.graceC = nil
	}
}

// unknownWaypoint validates every step and the return waypoint against the
// robot's known set before any navigation happens.
func (e *Executor) unknownWaypoint() (string, bool) {
	known := make(map[string]bool, len(e.knownWaypoints))
	for _, wp := range e.knownWaypoints {
		known[wp] = true
	}
	for _, step := range e.route.Steps {
		if !known[step.WaypointName] {
			return step.WaypointName, false
		}
	}
	if e.route.ReturnWaypoint != "" && !known[e.route.ReturnWaypoint] {
		return e.route.ReturnWaypoint, false
	}
	return "", true
}

// persist runs a store write, retrying once on failure.
func (e *Executor) persist(op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	e.log.Warn().Err(err).Str("op", op).Msg("Store write failed, retrying")
	if err = fn(); err != nil {
		e.log.Error().Err(err).Str("op", op).Msg("Store write failed twice")
		return err
	}
	return nil
}

// mirrorStatus keeps the session row in step with pause/resume. Best effort
// with one retry; pause state itself lives in the executor.
func (e *Executor) mirrorStatus(status models.SessionStatus) {
	_ = e.persist("set_session_status", func() error {
		return e.store.SetSessionStatus(e.session.ID, status, "")
	})
}

func (e *Executor) publishStatus(status, reason string) {
	e.bus.Publish(bus.TopicPatrolStatus, StatusUpdate{
		SessionID: e.session.ID,
		RobotID:   e.robot.ID,
		RouteID:   e.route.ID,
		Status:    status,
		Reason:    reason,
		StepIndex: e.stepIndex,
		Loop:      e.loop,
	})
}

func (e *Executor) webviewCloseDelay(step models.WaypointStep) time.Duration {
	if step.WebviewCloseDelaySec > 0 {
		return time.Duration(step.WebviewCloseDelaySec) * time.Second
	}
	return e.settings.WebviewCloseDelay
}
