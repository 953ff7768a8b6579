// Package link maintains the persistent broker sessions of the fleet: one
// RobotLink per robot on its local broker, and one CloudLink to the shared
// detection bus.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/logging"
	"github.com/robofleet/fleetd/internal/models"
)

const commandQoS byte = 1 // at-least-once; returns on broker accept

// RobotLink is one persistent session to a robot's broker. Inbound messages
// flow to the handler; connectivity transitions flow to onUp/onDown.
type RobotLink struct {
	robot   models.Robot
	log     zerolog.Logger
	handler MessageHandler
	onUp    func(robot models.Robot)
	onDown  func(robot models.Robot)

	mu        sync.Mutex
	sess      session
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRobotLink builds a link for one robot. Nothing connects until Start.
func NewRobotLink(robot models.Robot, handler MessageHandler, onUp, onDown func(models.Robot)) *RobotLink {
	return &RobotLink{
		robot:   robot,
		log:     logging.With("robotlink").With().Str("serial", robot.Serial).Logger(),
		handler: handler,
		onUp:    onUp,
		onDown:  onDown,
	}
}

// Robot returns the identity this link serves.
func (l *RobotLink) Robot() models.Robot { return l.robot }

// Start launches the connect/reconnect loop. It returns immediately; the
// loop runs until Close or context cancellation.
func (l *RobotLink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Close tears the link down and waits for the loop to exit.
func (l *RobotLink) Close() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// IsConnected reports whether the broker session is up.
func (l *RobotLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *RobotLink) run(ctx context.Context) {
	defer close(l.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		lost := make(chan error, 1)
		sess := newSession(sessionConfig{
			endpoint: l.robot.BrokerEndpoint,
			port:     l.robot.BrokerPort,
			clientID: fmt.Sprintf("fleetd-%s-%s", l.robot.Serial, uuid.NewString()[:8]),
			username: l.robot.Username,
			password: l.robot.Password,
			useTLS:   l.robot.UseTLS,
			onLost: func(err error) {
				select {
				case lost <- err:
				default:
				}
			},
		})

		if err := sess.Connect(); err != nil {
			delay := reconnectDelay(attempt)
			attempt++
			l.log.Warn().Err(err).Dur("retryIn", delay).Msg("Broker connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		if err := l.subscribeAll(sess); err != nil {
			l.log.Warn().Err(err).Msg("Subscribe failed, dropping session")
			sess.Disconnect()
			delay := reconnectDelay(attempt)
			attempt++
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		l.setSession(sess, true)
		l.log.Info().Msg("Robot link up")
		if l.onUp != nil {
			l.onUp(l.robot)
		}

		select {
		case <-ctx.Done():
			l.setSession(nil, false)
			sess.Disconnect()
			if l.onDown != nil {
				l.onDown(l.robot)
			}
			return
		case err := <-lost:
			l.setSession(nil, false)
			l.log.Warn().Err(err).Msg("Robot link lost")
			if l.onDown != nil {
				l.onDown(l.robot)
			}
			// Start the backoff over at 1s for a fresh outage.
			attempt = 0
		}
	}
}

func (l *RobotLink) subscribeAll(sess session) error {
	for _, class := range InboundClasses() {
		filter := InboundFilter(l.robot.Serial, class)
		if err := sess.Subscribe(filter, commandQoS, l.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
	}
	return nil
}

func (l *RobotLink) setSession(sess session, connected bool) {
	l.mu.Lock()
	l.sess = sess
	l.connected = connected
	l.mu.Unlock()
}

// Publish sends one command to the robot. It fails immediately with
// Unavailable while the link is down; unsent commands are never queued. A
// broker rejection is retried once.
func (l *RobotLink) Publish(category Category, action string, payload interface{}) error {
	op := fmt.Sprintf("publish_%s_%s", category, action)

	l.mu.Lock()
	sess, connected := l.sess, l.connected
	l.mu.Unlock()
	if !connected || sess == nil {
		return errors.New(errors.KindUnavailable, op, fmt.Errorf("link down")).WithRobot(l.robot.Serial)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.New(errors.KindValidation, op, err).WithRobot(l.robot.Serial)
	}

	topic := CommandTopic(l.robot.Serial, category, action)
	if err := sess.Publish(topic, commandQoS, body); err != nil {
		l.log.Warn().Err(err).Str("topic", topic).Msg("Publish rejected, retrying once")
		if err = sess.Publish(topic, commandQoS, body); err != nil {
			return errors.WrapLink(op, l.robot.Serial, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
