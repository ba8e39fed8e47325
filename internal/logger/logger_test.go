package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevelFiltering(t *testing.T) {
	Init("warn", "text")
	var buf bytes.Buffer
	SetOutput(&buf)

	Info("hidden %d", 1)
	assert.Empty(t, buf.String())

	Warn("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}

func TestJSONFormatWithFields(t *testing.T) {
	Init("debug", "json")
	var buf bytes.Buffer
	SetOutput(&buf)

	WithFields(Fields{"entity": "v1", "stage": "fit"}).Warn("entity failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "v1", entry["entity"])
	assert.Equal(t, "fit", entry["stage"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "entity failed", entry["msg"])
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, "info", parseLevel("bogus").String())
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
}
