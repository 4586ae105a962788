package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"INFO", "INFO"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in).String())
		})
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "json")

	ctx := SetContextValue(context.Background(), AccountIDKey, "acct1")
	ctx = SetContextValue(ctx, JobKey, "anomaly-scan")
	ctx = SetContextValue(ctx, TraceIDKey, "")
	log.InfoContext(ctx, "hello")

	out := buf.String()
	assert.Contains(t, out, `"account_id":"acct1"`)
	assert.Contains(t, out, `"job":"anomaly-scan"`)
	assert.NotContains(t, out, "trace_id")

	buf.Reset()
	ctx = SetContextValue(ctx, TraceIDKey, "4bf92f3577b34da6a3ce929d0e0e4736")
	log.WarnContext(ctx, "slow")
	assert.Contains(t, buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestWithContextEmpty(t *testing.T) {
	log := Nop()
	assert.Same(t, log, log.WithContext(context.Background()))
}

func TestWithErrorNil(t *testing.T) {
	log := Nop()
	assert.Same(t, log, log.WithError(nil))
}
