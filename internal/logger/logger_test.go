package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestStructuredLogger(t *testing.T) {
	t.Run("LogLevelFiltering", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, WarnLevel)

		logger.Debug("debug message")
		assert.Empty(t, buf.String(), "Debug message should be filtered")

		logger.Info("info message")
		assert.Empty(t, buf.String(), "Info message should be filtered")

		logger.Warn("warn message")
		assert.NotEmpty(t, buf.String(), "Warn message should be logged")
	})

	t.Run("JSONOutput", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, DebugLevel)

		logger.Info("test message", String("key", "value"), Int("count", 42))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "test message", entry["message"])
		assert.Equal(t, "value", entry["key"])
		assert.Equal(t, float64(42), entry["count"])
	})

	t.Run("WithFields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, DebugLevel)

		child := logger.WithFields(String("component", "transport"))
		child.Info("dialed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "transport", entry["component"])
	})

	t.Run("SetLevel", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf, InfoLevel)

		logger.SetLevel(ErrorLevel)
		logger.Warn("filtered")
		assert.Empty(t, buf.String())

		logger.Error("logged")
		assert.NotEmpty(t, buf.String())
	})
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, Field{Key: "s", Value: "v"}, String("s", "v"))
	assert.Equal(t, Field{Key: "i", Value: 7}, Int("i", 7))
	assert.Equal(t, Field{Key: "b", Value: true}, Bool("b", true))
	assert.Equal(t, Field{Key: "u", Value: uint64(9)}, Uint64("u", 9))
	assert.Equal(t, Field{Key: "d", Value: "1s"}, Duration("d", time.Second))

	errField := Error(errors.New("boom"))
	assert.Equal(t, "error", errField.Key)
	assert.Equal(t, "boom", errField.Value)

	nilField := Error(nil)
	assert.Nil(t, nilField.Value)
}
