package bitmex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"marketlens/internal/protocol"
)

func TestDecideRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	cases := []struct {
		name  string
		frame protocol.ErrorFrame
		want  RetryDecision
	}{
		{"rate limited with retry after", protocol.ErrorFrame{Status: 429, RetryAfter: 3 * time.Second, HasRetryAfter: true}, RetryDecision{Resubscribe: true, Delay: 3 * time.Second}},
		{"rate limited with zero retry after", protocol.ErrorFrame{Status: 429, HasRetryAfter: true}, RetryDecision{Resubscribe: true}},
		{"rate limited without meta", protocol.ErrorFrame{Status: 429}, RetryDecision{Resubscribe: true, Delay: DefaultRetryAfter}},
		{"busy", protocol.ErrorFrame{Status: 503, Error: "busy"}, RetryDecision{Resubscribe: true, Delay: time.Second}},
		{"unauthorized", protocol.ErrorFrame{Status: 401, Error: "Not authorized"}, RetryDecision{}},
		{"no status", protocol.ErrorFrame{Error: "Unknown table"}, RetryDecision{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, p.Decide(c.frame))
		})
	}
}

func TestRetryPolicyZeroValueUsesDefaults(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, DefaultBusyDelay, p.Decide(protocol.ErrorFrame{Status: 503}).Delay)
	assert.Equal(t, DefaultRetryAfter, p.Decide(protocol.ErrorFrame{Status: 429}).Delay)
}

func TestValidateURL(t *testing.T) {
	for _, raw := range []string{"wss://ws.bitmex.com/realtime", "ws://localhost:8080/realtime"} {
		_, err := validateURL(raw)
		assert.NoError(t, err, raw)
	}
	for _, raw := range []string{"", "https://ws.bitmex.com", "wss://", "::bad"} {
		_, err := validateURL(raw)
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}
