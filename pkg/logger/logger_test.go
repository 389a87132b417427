package logger_test

import (
	"bytes"
	"encoding/json"
	"pairchat/backend/pkg/logger"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.Config{Level: "debug", Format: logger.JSONFormat, Output: &buf})

	l.WithField("room_id", "r1").Info("room created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "room created", entry["message"])
	assert.Equal(t, "r1", entry["room_id"])
	assert.Contains(t, entry, "timestamp")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := logger.New(logger.Config{Level: "chatty", Format: logger.TextFormat, Output: &bytes.Buffer{}})

	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}
