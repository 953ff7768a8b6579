package link

import (
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	tokenTimeout   = 10 * time.Second
	connectTimeout = 10 * time.Second
	keepAlive      = 30 * time.Second
)

// MessageHandler receives one inbound broker message.
type MessageHandler func(topic string, payload []byte)

// session abstracts one broker connection so tests can substitute a fake for
// the paho client.
type session interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(filter string, qos byte, handler MessageHandler) error
}

type sessionConfig struct {
	endpoint string
	port     int
	clientID string
	username string
	password string
	useTLS   bool
	onLost   func(error)
}

// newSession is swapped out in tests.
var newSession func(cfg sessionConfig) session = newPahoSession

type pahoSession struct {
	client mqtt.Client
}

func newPahoSession(cfg sessionConfig) session {
	scheme := "tcp"
	if cfg.useTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.endpoint, cfg.port)).
		SetClientID(cfg.clientID).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		// Reconnects are driven by the link's own backoff loop, not paho's.
		SetAutoReconnect(false)

	if cfg.username != "" {
		opts.SetUsername(cfg.username)
		opts.SetPassword(cfg.password)
	}
	if cfg.useTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if cfg.onLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			cfg.onLost(err)
		})
	}

	return &pahoSession{client: mqtt.NewClient(opts)}
}

func (p *pahoSession) Connect() error {
	return waitToken(p.client.Connect())
}

func (p *pahoSession) Disconnect() {
	p.client.Disconnect(250)
}

func (p *pahoSession) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoSession) Publish(topic string, qos byte, payload []byte) error {
	return waitToken(p.client.Publish(topic, qos, false, payload))
}

func (p *pahoSession) Subscribe(filter string, qos byte, handler MessageHandler) error {
	return waitToken(p.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}))
}

func waitToken(token mqtt.Token) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("broker did not respond within %s", tokenTimeout)
	}
	return token.Error()
}
