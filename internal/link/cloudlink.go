package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/logging"
)

// PipelineCommand controls the external vision pipeline.
type PipelineCommand string

const (
	PipelineStart   PipelineCommand = "start"
	PipelinePause   PipelineCommand = "pause"
	PipelineStop    PipelineCommand = "stop"
	PipelineRestart PipelineCommand = "restart"
)

// CloudConfig describes the shared detection bus session.
type CloudConfig struct {
	Endpoint     string
	Port         int
	Username     string
	Password     string
	UseTLS       bool
	Topics       []string // subscription set, operator-configurable
	ControlTopic string   // pipeline control commands go here
}

// CloudLink is the single session to the shared cloud detection bus.
type CloudLink struct {
	cfg     CloudConfig
	log     zerolog.Logger
	handler MessageHandler
	onUp    func()
	onDown  func()

	mu        sync.Mutex
	sess      session
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCloudLink builds the cloud bus link. Nothing connects until Start.
func NewCloudLink(cfg CloudConfig, handler MessageHandler, onUp, onDown func()) *CloudLink {
	if cfg.Port <= 0 {
		cfg.Port = 8883
	}
	if cfg.ControlTopic == "" {
		cfg.ControlTopic = "yolo/control"
	}
	return &CloudLink{
		cfg:     cfg,
		log:     logging.With("cloudlink"),
		handler: handler,
		onUp:    onUp,
		onDown:  onDown,
	}
}

// Start launches the connect/reconnect loop.
func (c *CloudLink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close tears the link down and waits for the loop to exit.
func (c *CloudLink) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// IsConnected reports whether the cloud session is up.
func (c *CloudLink) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *CloudLink) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		lost := make(chan error, 1)
		sess := newSession(sessionConfig{
			endpoint: c.cfg.Endpoint,
			port:     c.cfg.Port,
			clientID: "fleetd-cloud-" + uuid.NewString()[:8],
			username: c.cfg.Username,
			password: c.cfg.Password,
			useTLS:   c.cfg.UseTLS,
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
			c.log.Warn().Err(err).Dur("retryIn", delay).Msg("Cloud connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		subscribed := true
		for _, topic := range c.cfg.Topics {
			if err := sess.Subscribe(topic, commandQoS, c.handler); err != nil {
				c.log.Warn().Err(err).Str("topic", topic).Msg("Cloud subscribe failed")
				subscribed = false
				break
			}
		}
		if !subscribed {
			sess.Disconnect()
			delay := reconnectDelay(attempt)
			attempt++
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		c.setSession(sess, true)
		c.log.Info().Str("endpoint", c.cfg.Endpoint).Msg("Cloud link up")
		if c.onUp != nil {
			c.onUp()
		}

		select {
		case <-ctx.Done():
			c.setSession(nil, false)
			sess.Disconnect()
			if c.onDown != nil {
				c.onDown()
			}
			return
		case err := <-lost:
			c.setSession(nil, false)
			c.log.Warn().Err(err).Msg("Cloud link lost")
			if c.onDown != nil {
				c.onDown()
			}
			attempt = 0
		}
	}
}

func (c *CloudLink) setSession(sess session, connected bool) {
	c.mu.Lock()
	c.sess = sess
	c.connected = connected
	c.mu.Unlock()
}

// StopPipeline sends the stop command to the vision pipeline. It satisfies
// the patrol supervisor's pipeline control surface.
func (c *CloudLink) StopPipeline() error {
	return c.PublishPipelineControl(PipelineStop)
}

// PublishPipelineControl sends a start/pause/stop/restart command to the
// vision pipeline.
func (c *CloudLink) PublishPipelineControl(cmd PipelineCommand) error {
	const op = "publish_pipeline_control"

	switch cmd {
	case PipelineStart, PipelinePause, PipelineStop, PipelineRestart:
	default:
		return errors.Validationf(op, "unknown pipeline command %q", cmd)
	}

	c.mu.Lock()
	sess, connected := c.sess, c.connected
	c.mu.Unlock()
	if !connected || sess == nil {
		return errors.New(errors.KindUnavailable, op, fmt.Errorf("cloud link down"))
	}

	body, _ := json.Marshal(map[string]string{"command": string(cmd)})
	if err := sess.Publish(c.cfg.ControlTopic, commandQoS, body); err != nil {
		if err = sess.Publish(c.cfg.ControlTopic, commandQoS, body); err != nil {
			return errors.New(errors.KindLink, op, err)
		}
	}
	return nil
}
