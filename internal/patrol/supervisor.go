package patrol

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/robofleet/fleetd/internal/bus"
	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/logging"
	"github.com/robofleet/fleetd/internal/models"
	"github.com/robofleet/fleetd/internal/telemetry"
)

// Store is the slice of the fleet store the supervisor and its executors use.
type Store interface {
	SessionStore
	GetRobot(id int64) (*models.Robot, error)
	GetRoute(id int64) (*models.Route, error)
	OpenSession(routeID, robotID int64) (*models.PatrolSession, error)
	ListInspections(sessionID int64) ([]models.WaypointInspection, error)
	ListActivePatrolSessions() ([]models.PatrolSession, error)
	ResolveSettings() (models.Settings, error)
}

// LinkProvider resolves the command surface for a robot's live link.
type LinkProvider interface {
	Commander(robotID int64) (Commander, error)
}

// StatusProvider exposes the runtime projection owned by the router.
type StatusProvider interface {
	Snapshot(serial string) (models.RobotStatus, bool)
}

// PipelineController stops the external vision pipeline once no patrol needs
// it. The cloud link implements it.
type PipelineController interface {
	StopPipeline() error
}

// Supervisor owns patrol executors: it is the only component that creates
// them, and its registry plus the store's session index together enforce
// at most one active patrol per robot.
type Supervisor struct {
	store  Store
	bus    *bus.Bus
	links  LinkProvider
	status StatusProvider
	clock  Clock
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	executors   map[int64]*Executor // by robot id
	pipeline    PipelineController
	promptTimer Timer // pending pipeline shutdown prompt, nil when none
	wg          sync.WaitGroup
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithClock overrides the executors' time source.
func WithClock(clock Clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = clock }
}

// NewSupervisor creates the patrol supervisor. Executors inherit ctx, so
// cancelling it winds every patrol down without touching session rows.
func NewSupervisor(ctx context.Context, store Store, eventBus *bus.Bus,
	links LinkProvider, status StatusProvider, opts ...SupervisorOption) *Supervisor {

	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		store:     store,
		bus:       eventBus,
		links:     links,
		status:    status,
		clock:     RealClock(),
		log:       logging.With("patrol"),
		ctx:       runCtx,
		cancel:    cancel,
		executors: make(map[int64]*Executor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPipeline wires the vision pipeline control surface. Optional; without
// it the shutdown prompt is informational only.
func (s *Supervisor) SetPipeline(p PipelineController) {
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
}

// Recover marks sessions left active by a previous process as errored.
// Executors do not survive a restart, so the rows cannot be resumed.
func (s *Supervisor) Recover() error {
	sessions, err := s.store.ListActivePatrolSessions()
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := s.store.SetSessionStatus(session.ID, models.SessionError, "interrupted_by_restart"); err != nil {
			return err
		}
		s.log.Warn().Int64("session", session.ID).Int64("robot", session.RobotID).
			Msg("Marked orphaned patrol session as errored")
	}
	return nil
}

// StartPatrol opens a session and spawns its executor. A robot that already
// has an active patrol returns Conflict with no side effects.
func (s *Supervisor) StartPatrol(robotID, routeID int64) (*models.PatrolSession, error) {
	const op = "start_patrol"

	robot, err := s.store.GetRobot(robotID)
	if err != nil {
		return nil, err
	}
	route, err := s.store.GetRoute(routeID)
	if err != nil {
		return nil, err
	}
	snapshot, ok := s.status.Snapshot(robot.Serial)
	if !ok || !snapshot.Connected {
		return nil, errors.New(errors.KindUnavailable, op,
			fmt.Errorf("robot %s is not connected", robot.Serial)).WithRobot(robot.Serial)
	}
	cmd, err := s.links.Commander(robotID)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.ResolveSettings()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executors[robotID]; exists {
		return nil, errors.Conflictf(op, "robot %d already has an active patrol", robotID)
	}

	session, err := s.store.OpenSession(routeID, robotID)
	if err != nil {
		return nil, err
	}

	// A new patrol keeps the pipeline alive, so any pending shutdown prompt
	// is moot.
	s.cancelPromptLocked()

	ex := newExecutor(s.ctx, executorParams{
		session:  *session,
		route:    *route,
		robot:    *robot,
		cmd:      cmd,
		store:    s.store,
		bus:      s.bus,
		settings: settings,
		clock:    s.clock,
		log: s.log.With().Int64("session", session.ID).
			Str("robot", robot.Serial).Logger(),
		knownWaypoints: snapshot.KnownWaypoints,
		battery:        snapshot.BatteryPercent,
		batteryKnown:   snapshot.BatteryPercent > 0,
		onDone:         s.executorDone,
	})
	s.executors[robotID] = ex
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ex.run()
	}()

	telemetry.Get().PatrolStarted()
	s.log.Info().Int64("session", session.ID).Int64("route", routeID).
		Str("robot", robot.Serial).Msg("Patrol started")
	return session, nil
}

// Pause suspends the robot's active patrol, freezing remaining timers.
func (s *Supervisor) Pause(robotID int64) error {
	return s.dispatch(robotID, control{kind: ctrlPause}, "pause_patrol")
}

// Resume continues a paused patrol from exactly where it was frozen.
func (s *Supervisor) Resume(robotID int64) error {
	return s.dispatch(robotID, control{kind: ctrlResume}, "resume_patrol")
}

// Stop cancels the patrol and opens the bounded send-home prompt.
func (s *Supervisor) Stop(robotID int64) error {
	return s.dispatch(robotID, control{kind: ctrlStop}, "stop_patrol")
}

// EmergencyStop halts the robot immediately and errors the session.
func (s *Supervisor) EmergencyStop(robotID int64) error {
	return s.dispatch(robotID, control{kind: ctrlEmergency}, "emergency_stop")
}

// SetSpeed changes the movement speed tier of an active patrol.
func (s *Supervisor) SetSpeed(robotID int64, tier models.SpeedTier) error {
	if !models.ValidSpeedTier(tier) {
		return errors.Validationf("set_patrol_speed", "invalid speed tier %q", tier)
	}
	return s.dispatch(robotID, control{kind: ctrlSpeed, tier: tier}, "set_patrol_speed")
}

// ResolveStopHomeDecision answers the post-stop send-home prompt.
func (s *Supervisor) ResolveStopHomeDecision(robotID int64, sendHome bool) error {
	return s.dispatch(robotID, control{kind: ctrlStopHome, sendHome: sendHome}, "resolve_stop_home")
}

func (s *Supervisor) dispatch(robotID int64, c control, op string) error {
	s.mu.Lock()
	ex, ok := s.executors[robotID]
	s.mu.Unlock()
	if !ok {
		return errors.NotFoundf(op, "no active patrol for robot %d", robotID)
	}
	if !ex.control(c) {
		return errors.NotFoundf(op, "patrol for robot %d already ended", robotID)
	}
	return nil
}

// Deliver implements the router's executor sink for robot events.
func (s *Supervisor) Deliver(robotID int64, ev models.RobotEvent) {
	s.mu.Lock()
	ex, ok := s.executors[robotID]
	s.mu.Unlock()
	if ok {
		ex.deliver(ev)
	}
}

// DeliverDetection fans a detection sample out to every active executor.
func (s *Supervisor) DeliverDetection(sample models.DetectionSample) {
	s.mu.Lock()
	active := make([]*Executor, 0, len(s.executors))
	for _, ex := range s.executors {
		active = append(active, ex)
	}
	s.mu.Unlock()
	for _, ex := range active {
		ex.deliver(sample)
	}
}

// ActiveSessions returns the running and paused sessions from the store.
func (s *Supervisor) ActiveSessions() ([]models.PatrolSession, error) {
	return s.store.ListActivePatrolSessions()
}

// Shutdown cancels all executors and waits for them to unwind. Session rows
// stay active and are reconciled by Recover on the next boot.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) executorDone(ex *Executor, out outcome) {
	s.mu.Lock()
	if s.executors[ex.robot.ID] == ex {
		delete(s.executors, ex.robot.ID)
	}
	s.mu.Unlock()

	if out.status == "" {
		return
	}
	telemetry.Get().PatrolEnded(string(out.status))
	s.emitSummary(ex, out)
	if out.status == models.SessionCompleted {
		s.armShutdownPrompt()
	}
}

// armShutdownPrompt starts the bounded wait behind the yolo.shutdown_prompt
// event the executor just published. With no operator answer the pipeline is
// stopped when the timeout elapses; a new patrol starting first cancels the
// prompt.
func (s *Supervisor) armShutdownPrompt() {
	settings, err := s.store.ResolveSettings()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to resolve settings for shutdown prompt")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil || len(s.executors) > 0 {
		return
	}
	s.cancelPromptLocked()

	timer := s.clock.NewTimer(settings.YoloShutdownTimeout)
	s.promptTimer = timer
	go func() {
		select {
		case <-timer.C():
			s.promptElapsed(timer)
		case <-s.ctx.Done():
			timer.Stop()
		}
	}()
}

func (s *Supervisor) promptElapsed(timer Timer) {
	s.mu.Lock()
	if s.promptTimer != timer {
		s.mu.Unlock()
		return
	}
	s.promptTimer = nil
	pipeline := s.pipeline
	s.mu.Unlock()

	s.log.Info().Msg("Pipeline shutdown prompt timed out, stopping pipeline")
	if err := pipeline.StopPipeline(); err != nil {
		s.log.Warn().Err(err).Msg("Pipeline stop failed")
	}
}

// ResolveShutdownPrompt answers the post-patrol pipeline shutdown prompt.
// Confirming stops the pipeline immediately; declining leaves it running.
func (s *Supervisor) ResolveShutdownPrompt(stopPipeline bool) error {
	const op = "resolve_shutdown_prompt"

	s.mu.Lock()
	timer := s.promptTimer
	s.promptTimer = nil
	pipeline := s.pipeline
	s.mu.Unlock()
	if timer == nil {
		return errors.NotFoundf(op, "no pending pipeline shutdown prompt")
	}
	timer.Stop()
	if !stopPipeline {
		return nil
	}
	if err := pipeline.StopPipeline(); err != nil {
		s.log.Warn().Err(err).Msg("Pipeline stop failed")
		return err
	}
	return nil
}

// cancelPromptLocked clears any pending shutdown prompt. Caller holds s.mu.
func (s *Supervisor) cancelPromptLocked() {
	if s.promptTimer != nil {
		s.promptTimer.Stop()
		s.promptTimer = nil
	}
}

// emitSummary aggregates the session's inspections into a patrol.summary
// event.
func (s *Supervisor) emitSummary(ex *Executor, out outcome) {
	inspections, err := s.store.ListInspections(ex.session.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("session", ex.session.ID).
			Msg("Failed to load inspections for summary")
	}

	summary := models.PatrolSummary{
		SessionID:      ex.session.ID,
		RobotID:        ex.robot.ID,
		RouteID:        ex.route.ID,
		Status:         out.status,
		ReasonForEnd:   out.reason,
		StartedAt:      ex.session.StartedAt,
		EndedAt:        s.clock.Now(),
		StepsInspected: len(inspections),
	}
	if n := len(ex.route.Steps); n > 0 {
		summary.LoopsCompleted = len(inspections) / n
	}
	for _, insp := range inspections {
		switch insp.Verdict {
		case models.VerdictClear:
			summary.ClearCount++
		case models.VerdictViolation:
			summary.ViolationCount++
		case models.VerdictTimeout:
			summary.TimeoutCount++
		case models.VerdictSkipped:
			summary.SkippedCount++
		}
	}
	s.bus.Publish(bus.TopicPatrolSummary, summary)
}
