package topic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"coopwatch/go-mqtt-server/internal/model"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/#", "a/b/c", true},
		{"#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"a/b/c/d", "a/b/c", false},
		{"x/+/c", "a/b/c", false},
		{"a/+", "a/b/c", false},
		{"+/+/+", "a/b/c", true},
		{"a/b/c/#", "a/b/c", true},
		{"sensors/+/+/temperature", "sensors/main/probe1/temperature", true},
		{"sensors/+/temperature", "sensors/main/probe1/temperature", false},
		{"coops/#", "coops", true},
		{"a//c", "a//c", true},
		{"a/+/c", "a//c", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}

func TestValidPattern(t *testing.T) {
	valid := []string{"a/b/c", "a/+/c", "a/#", "#", "+", "+/+/#"}
	for _, p := range valid {
		assert.NoError(t, ValidPattern(p), p)
	}

	invalid := []string{"", "a/#/c", "a/b#", "a+/b", "#/a"}
	for _, p := range invalid {
		err := ValidPattern(p)
		assert.Error(t, err, p)
		assert.True(t, errors.Is(err, model.ErrValidation), p)
	}
}
