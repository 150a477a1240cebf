package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("loud"))
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(&buf, "info", "json")
	l.WithField("delivery_id", "d1").Debug("hidden")
	l.WithField("delivery_id", "d1").Info("delivered")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "delivered", entry["msg"])
	assert.Equal(t, "d1", entry["delivery_id"])
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	NewWithOutput(&buf, "info", "text").Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
