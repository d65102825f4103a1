package logging

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newCaptureLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer

	return &Logger{
		level:  level,
		logger: log.New(&buf, "", 0),
	}, &buf
}

func TestLogger_FiltersBelowLevel(t *testing.T) {
	l, buf := newCaptureLogger(LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "[WARN] warn message")
	assert.Contains(t, out, "[ERROR] error message")
}

func TestLogger_Formatting(t *testing.T) {
	l, buf := newCaptureLogger(LevelInfo)

	l.Info("connected to %s:%d", "host", 3389)

	assert.Contains(t, buf.String(), "[INFO] connected to host:3389")
}

func TestLogger_SetLevelFromString(t *testing.T) {
	tests := []struct {
		name string
		want Level
	}{
		{name: "debug", want: LevelDebug},
		{name: "info", want: LevelInfo},
		{name: "warn", want: LevelWarn},
		{name: "warning", want: LevelWarn},
		{name: "error", want: LevelError},
		{name: "ERROR", want: LevelError},
		{name: "bogus", want: LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newCaptureLogger(LevelDebug)

			l.SetLevelFromString(tt.name)

			assert.Equal(t, tt.want, l.Level())
		})
	}
}
