// Package topic implements MQTT topic filter matching.
package topic

import (
	"fmt"
	"strings"

	"coopwatch/go-mqtt-server/internal/model"
)

const (
	singleLevel = "+"
	multiLevel  = "#"
	separator   = "/"
)

// Match reports whether topic is selected by pattern. "+" matches exactly one
// level and a trailing "#" matches the remaining levels, including none.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternLevels := strings.Split(pattern, separator)
	topicLevels := strings.Split(topic, separator)

	for i, level := range patternLevels {
		if level == multiLevel {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level == singleLevel {
			continue
		}
		if level != topicLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(topicLevels)
}

// ValidPattern checks that wildcards occupy whole levels and that "#" only
// appears last.
func ValidPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", model.ErrInvalidPattern)
	}

	levels := strings.Split(pattern, separator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q must be the last level in %q", model.ErrInvalidPattern, multiLevel, pattern)
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", model.ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Levels splits a concrete topic into its levels.
func Levels(topic string) []string {
	return strings.Split(topic, separator)
}
