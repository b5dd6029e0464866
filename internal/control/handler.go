// Package control exposes the session's commands over MQTT. A gate tablet
// or ops tool publishes a command to the gate's control topic; the daemon
// answers on the ack topic.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/gatewise/gatescan/internal/config"
)

// Command is one control plane command.
type Command struct {
	Command string `json:"command"`
}

// Response is a command acknowledgement.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks contains the command implementations. Nil callbacks report the
// command as unimplemented.
type Callbacks struct {
	OnGetStatus func() map[string]any
	OnStart     func() error
	OnStop      func() error
	OnConfirm   func() error
}

// Handler subscribes to the control topic and dispatches commands.
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks Callbacks
}

// NewHandler creates a control handler.
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes and begins processing commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and stops command processing.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.Wait()
	}
	close(h.commands)
	slog.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "start_scan":
		resp = h.runCallback(resp, h.callbacks.OnStart, "start_scan")

	case "stop_scan":
		resp = h.runCallback(resp, h.callbacks.OnStop, "stop_scan")

	case "confirm":
		resp = h.runCallback(resp, h.callbacks.OnConfirm, "confirm")

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func (h *Handler) runCallback(resp Response, cb func() error, name string) Response {
	if cb == nil {
		resp.Status = "error"
		resp.Error = name + " not implemented"
		return resp
	}
	if err := cb(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = "success"
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Control + "/ack"
	token := h.client.Publish(topic, h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control response publish timeout", "topic", topic)
	}
}
