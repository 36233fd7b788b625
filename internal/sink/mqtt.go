package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Topic          string // frames go to <Topic>/frames
	QoS            byte
	PublishTimeout time.Duration
	Source         string // device address, copied into every batch
}

// publisher is the part of mqtt.Client the sink publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type mqttFrame struct {
	Timestamp  time.Time `json:"timestamp"`
	Seq        byte      `json:"seq"`
	Index      int       `json:"index"`
	Microvolts []float64 `json:"uv"`
}

type mqttBatch struct {
	Source string      `json:"source,omitempty"`
	Frames []mqttFrame `json:"frames"`
}

// MQTT publishes each batch as one JSON message.
type MQTT struct {
	client publisher
	closer func()
	opts   MQTTOptions
	topic  string
	logger *logrus.Logger

	mu        sync.RWMutex
	connected bool
}

// NewMQTT connects to the broker and returns a sink. The client reconnects on its own;
// batches published while the broker is away fail and are dropped.
func NewMQTT(ctx context.Context, opts MQTTOptions, logger *logrus.Logger) (*MQTT, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is not configured")
	}
	opts.ClientID = clientID(opts.ClientID)

	s := &MQTT{opts: opts, logger: logger}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.WithField("broker", opts.Broker).Info("MQTT connected")
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		if err := ctx.Err(); err != nil {
			client.Disconnect(0)
			return nil, err
		}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	s.setConnected(true)
	s.client = client
	s.closer = func() { client.Disconnect(250) }
	s.topic = frameTopic(opts.Topic)
	return s, nil
}

// newMQTTWithPublisher builds a sink around an existing publisher.
func newMQTTWithPublisher(p publisher, opts MQTTOptions, logger *logrus.Logger) *MQTT {
	if logger == nil {
		logger = logrus.New()
	}
	return &MQTT{client: p, opts: opts, topic: frameTopic(opts.Topic), logger: logger, connected: true}
}

// clientID appends a random suffix so monitors sharing a configuration do not take over
// each other's broker session.
func clientID(prefix string) string {
	if prefix == "" {
		prefix = "eegstream"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

func frameTopic(base string) string {
	if base == "" {
		base = "eegstream"
	}
	return base + "/frames"
}

// Write implements Sink.
func (s *MQTT) Write(_ context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	if !s.isConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	batch := mqttBatch{Source: s.opts.Source, Frames: make([]mqttFrame, len(frames))}
	for i, f := range frames {
		uv := f.Microvolts()
		batch.Frames[i] = mqttFrame{
			Timestamp:  f.ReceivedAt,
			Seq:        f.Seq,
			Index:      f.Index,
			Microvolts: uv[:],
		}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal frames: %w", err)
	}

	timeout := s.opts.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	token := s.client.Publish(s.topic, s.opts.QoS, false, data)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish timeout for topic %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish frames: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"topic": s.topic, "frames": len(frames)}).Debug("Published frames")
	return nil
}

// Close implements Sink.
func (s *MQTT) Close() error {
	if s.closer != nil {
		s.closer()
	}
	s.setConnected(false)
	return nil
}

func (s *MQTT) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTT) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
