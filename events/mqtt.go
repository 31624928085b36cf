// Package events publishes finished interactions to an MQTT broker.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bergsm/fileTransfer/session"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "ftserver/events"

// Config describes the broker connection.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883 or ssl://broker:8883
	Topic    string
	Username string
	Password string
	ClientID string // empty generates one
	QoS      byte
	Timeout  time.Duration
}

// Publisher sends each session.Event as JSON to one topic.
type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	log     logrus.FieldLogger
}

// Connect dials the broker described by cfg.
func Connect(cfg Config, log logrus.FieldLogger) (*Publisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ftserver-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("Lost connection to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	log.Infof("Connected to MQTT broker at %s", cfg.Broker)
	return NewPublisher(client, cfg.Topic, cfg.QoS, cfg.Timeout, log), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(client mqtt.Client, topic string, qos byte, timeout time.Duration, log logrus.FieldLogger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{client: client, topic: topic, qos: qos, timeout: timeout, log: log}
}

// Observe publishes e. Failures are logged, never returned: a broker
// outage must not affect transfers.
func (p *Publisher) Observe(e session.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.WithError(err).Warn("Unable to encode event")
		return
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)
	if p.timeout > 0 && !token.WaitTimeout(p.timeout) {
		p.log.WithField("topic", p.topic).Warn("Timed out publishing to MQTT")
		return
	}
	if err := token.Error(); err != nil {
		p.log.WithError(err).Warn("Error publishing to MQTT")
	}
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// messages.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
