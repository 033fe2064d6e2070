package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		kind PayloadKind
	}{
		{name: "json object", raw: []byte(`{"temperature": 72.5, "unit": "F"}`), kind: PayloadStructured},
		{name: "json object with whitespace", raw: []byte("  {\"a\":1}\n"), kind: PayloadStructured},
		{name: "bare number", raw: []byte("24.5"), kind: PayloadText},
		{name: "json array", raw: []byte(`[71.2, 71.4]`), kind: PayloadText},
		{name: "json string", raw: []byte(`"open"`), kind: PayloadText},
		{name: "json bool", raw: []byte("true"), kind: PayloadText},
		{name: "broken json", raw: []byte(`{"a":`), kind: PayloadText},
		{name: "two objects", raw: []byte(`{"a":1}{"b":2}`), kind: PayloadText},
		{name: "plain text", raw: []byte("online"), kind: PayloadText},
		{name: "binary", raw: []byte{0xff, 0xfe, 0x00, 0x01}, kind: PayloadOpaque},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePayload(tt.raw)
			assert.Equal(t, tt.kind, p.Kind)
			if tt.kind == PayloadText {
				assert.Equal(t, string(tt.raw), p.Text)
			}
		})
	}
}

func TestPayloadFieldAndString(t *testing.T) {
	p := ParsePayload([]byte(`{"temperature": 72.5}`))
	v, ok := p.Field("temperature")
	require.True(t, ok)
	assert.Equal(t, 72.5, v)
	assert.Equal(t, `{"temperature":72.5}`, p.String())

	text := ParsePayload([]byte("hello"))
	_, ok = text.Field("temperature")
	assert.False(t, ok)
	assert.Equal(t, "hello", text.String())

	opaque := ParsePayload([]byte{0xff})
	assert.Equal(t, "/w==", opaque.String())
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrInvalidInterval, ErrValidation))
	assert.True(t, errors.Is(ErrInvalidTimestamp, ErrValidation))
	assert.True(t, errors.Is(ErrInvalidPattern, ErrValidation))

	var err error = &RateLimitError{RetryAfter: 3 * time.Second}
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, "rate limited: retry in 3.0s", err.Error())
}
