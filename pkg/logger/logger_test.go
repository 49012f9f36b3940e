package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithOutputLevels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithOutput("warn", "text", &buf))

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")
}

func TestInitUnknownLevel(t *testing.T) {
	err := InitWithOutput("loud", "text", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestJSONFormatWithFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithOutput("debug", "json", &buf))

	WithFields(logrus.Fields{"model": "gemini-flash"}).Info("stream opened")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stream opened", entry["msg"])
	assert.Equal(t, "gemini-flash", entry["model"])
	assert.Equal(t, "info", entry["level"])
}
