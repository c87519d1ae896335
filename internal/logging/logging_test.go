package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", "json", &buf)
	Component(l, "engine").WithField("tranche_id", "tr-1").Info("settled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "tr-1", line["tranche_id"])
	assert.Equal(t, "settled", line["msg"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("chatty", "text", nil)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}
