// Package publish sends run results to an MQTT broker as JSON.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gotmc/visaseq"
)

// DefaultTimeout bounds connecting and publishing.
const DefaultTimeout = 10 * time.Second

// Config describes the broker connection.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // results go to Topic/<sequence>
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher publishes reports on one broker connection.
type Publisher struct {
	client  client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *log.Logger
}

// Report is the JSON document published for one run.
type Report struct {
	RunID string    `json:"runId"`
	Time  time.Time `json:"time"`
	*visaseq.Result
	Kind       string `json:"kind,omitempty"`
	Error      string `json:"error,omitempty"`
	CloseError string `json:"closeError,omitempty"`
}

// NewReport wraps res for publishing.
func NewReport(runID string, res *visaseq.Result) Report {
	r := Report{RunID: runID, Time: time.Now().UTC(), Result: res}
	if res.Err != nil {
		r.Kind = res.Kind().String()
		r.Error = res.Err.Error()
	}
	if res.CloseErr != nil {
		r.CloseError = res.CloseErr.Error()
	}
	return r
}

// New creates a publisher for the broker in cfg. Call Connect before
// publishing.
func New(cfg Config, logger *log.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is required")
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("visaseq_%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(timeoutOr(cfg.Timeout))
	return newPublisher(mqtt.NewClient(opts), cfg, logger), nil
}

func newPublisher(c client, cfg Config, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	topic := strings.TrimSuffix(strings.TrimSpace(cfg.Topic), "/")
	if topic == "" {
		topic = "visaseq/results"
	}
	return &Publisher{
		client:  c,
		topic:   topic,
		qos:     cfg.QoS,
		timeout: timeoutOr(cfg.Timeout),
		logger:  logger,
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return DefaultTimeout
}

// Connect connects to the broker.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := wait(ctx, p.client.Connect(), p.timeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.logger.Debug("connected to mqtt broker")
	return nil
}

// Topic returns the topic a sequence's reports are published to.
func (p *Publisher) Topic(sequence string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '+', '#', '/', ' ':
			return '_'
		}
		return r
	}, strings.TrimSpace(sequence))
	if name == "" {
		name = "unnamed"
	}
	return p.topic + "/" + name
}

// Publish sends the report of one run.
func (p *Publisher) Publish(ctx context.Context, runID string, res *visaseq.Result) error {
	payload, err := json.Marshal(NewReport(runID, res))
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	topic := p.Topic(res.Sequence)
	if err := wait(ctx, p.client.Publish(topic, p.qos, false, payload), p.timeout); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("published report", "topic", topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("no answer from broker within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
