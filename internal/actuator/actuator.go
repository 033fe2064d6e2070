// Package actuator builds coop equipment commands and publishes them over MQTT.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coopwatch/go-mqtt-server/internal/model"
)

// Kind names a piece of coop equipment.
type Kind string

const (
	Ventilation Kind = "ventilation"
	Water       Kind = "water"
	Awning      Kind = "awning"
	Feeder      Kind = "feeder"
)

var allowedActions = map[Kind][]string{
	Ventilation: {"open", "close", "set_speed"},
	Water:       {"refill", "heat", "flush"},
	Awning:      {"extend", "retract"},
	Feeder:      {"dispense", "stop"},
}

// Command is the request sent to an actuator.
type Command struct {
	Kind       Kind           `json:"-"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	CoopID     string         `json:"coopId"`
}

// Status is the actuator response.
type Status struct {
	Success bool   `json:"success"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Publisher delivers a payload to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Controller validates and dispatches commands.
type Controller struct {
	logger    *slog.Logger
	publisher Publisher
	now       func() time.Time
}

// NewController constructs a controller publishing through p.
func NewController(p Publisher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger, publisher: p, now: time.Now}
}

// Execute publishes cmd to coops/<coop>/<kind>/command.
func (c *Controller) Execute(ctx context.Context, cmd Command) (Status, error) {
	if err := validate(cmd); err != nil {
		return Status{Message: err.Error()}, err
	}
	if cmd.CoopID == "" {
		cmd.CoopID = model.DefaultCoopID
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = c.now().UTC()
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return Status{}, fmt.Errorf("encode %s command: %w", cmd.Kind, err)
	}

	topic := fmt.Sprintf("coops/%s/%s/command", cmd.CoopID, cmd.Kind)
	if err := c.publisher.Publish(ctx, topic, payload, 1, false); err != nil {
		c.logger.Warn("actuator command not delivered", "kind", cmd.Kind, "coop", cmd.CoopID, "error", err)
		return Status{Topic: topic, Message: fmt.Sprintf("%s %s failed: %v", cmd.Kind, cmd.Action, err)},
			fmt.Errorf("publish %s command: %w", cmd.Kind, err)
	}

	c.logger.Info("actuator command sent", "kind", cmd.Kind, "action", cmd.Action, "coop", cmd.CoopID)
	return Status{
		Success: true,
		Topic:   topic,
		Message: fmt.Sprintf("%s %s sent to coop %s", cmd.Kind, cmd.Action, cmd.CoopID),
	}, nil
}

func validate(cmd Command) error {
	actions, ok := allowedActions[cmd.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown actuator %q", model.ErrValidation, cmd.Kind)
	}
	for _, a := range actions {
		if a == cmd.Action {
			return nil
		}
	}
	return fmt.Errorf("%w: %s supports %s, got %q", model.ErrValidation, cmd.Kind, strings.Join(actions, ", "), cmd.Action)
}
