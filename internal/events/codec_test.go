package events

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplabs/recap/internal/models"
)

func progressEvent(padding int) models.Event {
	return models.Event{
		Type:      models.EventJobProgress,
		Data:      map[string]any{"job_id": "abc123", "pad": strings.Repeat("x", padding)},
		Timestamp: time.Now().UTC(),
	}
}

// decodePayload reverses the wire encoding: base64 + gzip for compressed
// frames, plain JSON otherwise.
func decodePayload(t *testing.T, f frame) map[string]any {
	t.Helper()

	payload := f.data
	if strings.HasSuffix(string(f.event), models.CompressedSuffix) {
		raw, err := base64.StdEncoding.DecodeString(string(payload))
		require.NoError(t, err)
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		require.NoError(t, err)
		payload, err = io.ReadAll(zr)
		require.NoError(t, err)
		require.NoError(t, zr.Close())
	}

	var data map[string]any
	require.NoError(t, json.Unmarshal(payload, &data))
	return data
}

func TestEncodeFrame_PlainBelowThreshold(t *testing.T) {
	ev := progressEvent(10)

	f, err := encodeFrame(ev, 1024)
	require.NoError(t, err)

	assert.Equal(t, models.EventJobProgress, f.event)
	assert.True(t, json.Valid(f.data))

	data := decodePayload(t, f)
	assert.Equal(t, "abc123", data["job_id"])
}

func TestEncodeFrame_CompressionBoundary(t *testing.T) {
	ev := progressEvent(2000)
	serialized, err := json.Marshal(ev.Data)
	require.NoError(t, err)

	// At exactly the payload size nothing is compressed.
	f, err := encodeFrame(ev, len(serialized))
	require.NoError(t, err)
	assert.Equal(t, models.EventJobProgress, f.event)
	assert.Equal(t, serialized, f.data)

	// One byte below, the payload is strictly larger than the threshold.
	f, err = encodeFrame(ev, len(serialized)-1)
	require.NoError(t, err)
	assert.Equal(t, models.EventJobProgress+models.CompressedSuffix, f.event)
	assert.NotEqual(t, serialized, f.data)

	data := decodePayload(t, f)
	assert.Equal(t, "abc123", data["job_id"])
	assert.Equal(t, strings.Repeat("x", 2000), data["pad"])
}

func TestEncodeFrame_ZeroThresholdDisablesCompression(t *testing.T) {
	f, err := encodeFrame(progressEvent(5000), 0)
	require.NoError(t, err)
	assert.Equal(t, models.EventJobProgress, f.event)
	assert.True(t, json.Valid(f.data))
}

func TestWriteFrame_Format(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frame{event: models.EventJobComplete, data: []byte(`{"job_id":"j1"}`)})
	require.NoError(t, err)

	assert.Equal(t, "event: job_complete\ndata: {\"job_id\":\"j1\"}\n\n", buf.String())
}
