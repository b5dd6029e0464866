// Package emitter publishes scanner feedback and attendance over MQTT.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/gatewise/gatescan/checkin"
	"github.com/gatewise/gatescan/internal/config"
	"github.com/gatewise/gatescan/validate"
)

// MQTTEmitter bridges the session's feedback stream and the stats poller to
// an MQTT broker. It satisfies checkin.Sink, so it plugs straight into a
// session config.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // exported for ops tooling

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// feedbackMessage is the wire shape of one feedback event.
type feedbackMessage struct {
	Type    string               `json:"type"`
	GateID  string               `json:"gateId"`
	EventID string               `json:"eventId"`
	Token   string               `json:"token,omitempty"`
	Status  string               `json:"status"`
	Message string               `json:"message,omitempty"`
	Meta    *validate.TicketMeta `json:"meta,omitempty"`
	At      time.Time            `json:"at"`
}

// NewMQTTEmitter creates an emitter. Connect before use.
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with auto-reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(fmt.Sprintf("gatescan-%s", e.cfg.GateID))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"gate_id", e.cfg.GateID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Emit implements checkin.Sink. Publish failures are logged, never
// propagated: a broker outage must not stall the lane.
func (e *MQTTEmitter) Emit(ev checkin.Event) {
	msg := feedbackMessage{
		Type:    string(ev.Type),
		GateID:  e.cfg.GateID,
		EventID: e.cfg.EventID,
		Token:   ev.Token,
		Status:  ev.Outcome.Status.String(),
		Message: ev.Outcome.Message,
		Meta:    ev.Outcome.Meta,
		At:      ev.At,
	}
	if err := e.publishJSON(e.cfg.MQTT.Topics.Feedback, e.qos("feedback"), msg); err != nil {
		slog.Warn("feedback publish failed", "type", ev.Type, "error", err)
	}
}

// PublishStats publishes an attendance snapshot.
func (e *MQTTEmitter) PublishStats(stats validate.EventStats) error {
	return e.publishJSON(e.cfg.MQTT.Topics.Stats, e.qos("stats"), stats)
}

// PublishHealth publishes a pre-serialized health payload.
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.qos("health"), payload)
}

func (e *MQTTEmitter) publishJSON(topic string, qos byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.publish(topic, qos, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) qos(kind string) byte {
	if q, ok := e.cfg.MQTT.QoS[kind]; ok {
		return q
	}
	return 0
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Stats returns publish counters for the health endpoint.
func (e *MQTTEmitter) Stats() (published map[string]uint64, errors uint64, connected bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published = make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return published, e.errors, e.connected
}

// Disconnect closes the broker connection gracefully.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}
