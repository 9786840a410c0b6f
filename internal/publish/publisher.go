// Package publish forwards decoded samples and link state to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"obd-link/internal/config"
	"obd-link/internal/events"
	"obd-link/internal/obd"
)

const offline = "offline"

// Client is the part of paho.Client the publisher uses.
type Client interface {
	Connect() paho.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher writes samples to <prefix>/<vehicle>/<kind> and the link state,
// retained, to <prefix>/state. The broker publishes "offline" there when the
// process disappears.
type Publisher struct {
	client     Client
	prefix     string
	retryDelay time.Duration
	log        *zap.Logger

	mu    sync.Mutex
	state string
}

// NewPublisher creates a publisher for the configured broker. It does not
// connect.
func NewPublisher(cfg config.MQTTConfig, log *zap.Logger) *Publisher {
	p := &Publisher{
		prefix:     strings.TrimSuffix(cfg.TopicPrefix, "/"),
		retryDelay: cfg.RetryDelay,
		log:        log.Named("mqtt"),
		state:      "idle",
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Last Will and Testament marks the link offline on disconnect.
	opts.SetWill(p.StateTopic(), offline, 1, true)

	opts.SetOnConnectHandler(func(paho.Client) {
		p.log.Info("connected to MQTT broker")
		// Republish the current state; the broker may still hold the will.
		p.mu.Lock()
		st := p.state
		p.mu.Unlock()
		p.publishState(st)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.log.Warn("MQTT connection lost", zap.Error(err))
	})

	p.client = paho.NewClient(opts)
	return p
}

func newWithClient(c Client, prefix string, log *zap.Logger) *Publisher {
	return &Publisher{client: c, prefix: prefix, retryDelay: time.Millisecond, log: log, state: "idle"}
}

// StateTopic is where the link state is retained.
func (p *Publisher) StateTopic() string { return p.prefix + "/state" }

// SampleTopic returns the topic a sample is published to.
func (p *Publisher) SampleTopic(s obd.Sample) string {
	return p.prefix + "/" + topicSafe(s.VehicleID) + "/" + s.Kind.String()
}

// topicSafe replaces characters with special meaning in MQTT topics.
func topicSafe(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

// Connect connects to the broker, retrying until ctx is done.
func (p *Publisher) Connect(ctx context.Context) error {
	delay := p.retryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for attempt := 1; ; attempt++ {
		token := p.client.Connect()
		if token.Wait() && token.Error() == nil {
			p.log.Info("MQTT connected", zap.Int("attempts", attempt))
			return nil
		}
		p.log.Warn("MQTT connect failed", zap.Int("attempt", attempt), zap.Error(token.Error()), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish: connect: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Run publishes events until evs is closed or ctx is done.
func (p *Publisher) Run(ctx context.Context, evs <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-evs:
			if !ok {
				return nil
			}
			p.Handle(e)
		}
	}
}

// Handle publishes a single event; other kinds are ignored.
func (p *Publisher) Handle(e events.Event) {
	switch e.Kind {
	case events.KindDecoded:
		if e.Sample != nil {
			p.publishSample(*e.Sample)
		}
	case events.KindStateChanged:
		p.mu.Lock()
		p.state = e.State
		p.mu.Unlock()
		p.publishState(e.State)
	}
}

func (p *Publisher) publishSample(s obd.Sample) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.log.Warn("encode sample", zap.Error(err))
		return
	}
	topic := p.SampleTopic(s)
	p.log.Debug("publish", zap.String("topic", topic), zap.Stringer("sample", s))
	p.publish(topic, 0, false, payload)
}

func (p *Publisher) publishState(state string) {
	p.publish(p.StateTopic(), 1, true, state)
}

func (p *Publisher) publish(topic string, qos byte, retained bool, payload interface{}) {
	if !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

// Disconnect marks the link offline and disconnects.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.publishState(offline)
		p.client.Disconnect(250)
	}
}
