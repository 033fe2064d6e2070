package dispatch

import (
	"regexp"
	"strings"

	"coopwatch/go-mqtt-server/internal/model"
	"coopwatch/go-mqtt-server/internal/topic"
)

var topicKeywords = []struct {
	class    model.MessageClass
	keywords []string
}{
	{model.ClassAlert, []string{"alert", "alarm", "warning", "emergency", "error"}},
	{model.ClassCommand, []string{"command", "cmd", "control", "set"}},
	{model.ClassStatus, []string{"status", "state", "heartbeat", "online", "offline", "lwt"}},
	{model.ClassTelemetry, []string{"telemetry", "sensor", "sensors", "temperature", "temp", "humidity", "reading", "readings", "data"}},
}

var payloadKeywords = []struct {
	class  model.MessageClass
	fields []string
}{
	{model.ClassAlert, []string{"alert", "alarm", "severity"}},
	{model.ClassCommand, []string{"command", "action"}},
	{model.ClassStatus, []string{"status", "state", "online"}},
	{model.ClassTelemetry, []string{"temperature", "temp", "humidity", "value", "reading", "level"}},
}

var deviceToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// classify assigns a message class from topic keywords, falling back to
// payload field names.
func classify(t string, payload model.Payload) model.MessageClass {
	levels := topic.Levels(strings.ToLower(t))
	for _, group := range topicKeywords {
		for _, level := range levels {
			for _, kw := range group.keywords {
				if level == kw {
					return group.class
				}
			}
		}
	}

	if payload.Kind == model.PayloadStructured {
		for _, group := range payloadKeywords {
			for _, field := range group.fields {
				if _, ok := payload.Fields[field]; ok {
					return group.class
				}
			}
		}
	}

	return model.ClassOther
}

// deviceID infers the publishing device from well-known topic layouts.
func deviceID(t string) string {
	levels := topic.Levels(t)

	switch {
	case len(levels) >= 2 && levels[0] == "devices":
		return levels[1]
	case len(levels) >= 3 && levels[0] == "sensors":
		return levels[2]
	case len(levels) >= 4 && levels[0] == "home":
		return levels[3]
	}

	for _, level := range levels {
		if len(level) > 2 && deviceToken.MatchString(level) {
			return level
		}
	}
	return "unknown"
}
