package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(linkStats{BytesSent: 1024, RTTMillis: 42})
	data, err := encodeControl(controlMessage{
		Type:      controlStats,
		Timestamp: 1700000000000,
		Payload:   payload,
	})
	require.NoError(t, err)

	msg, err := decodeControl(data)
	require.NoError(t, err)
	assert.Equal(t, controlStats, msg.Type)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)

	var stats linkStats
	require.NoError(t, json.Unmarshal(msg.Payload, &stats))
	assert.Equal(t, uint64(1024), stats.BytesSent)
	assert.Equal(t, int64(42), stats.RTTMillis)
}

func TestDecodeControlRequiresType(t *testing.T) {
	_, err := decodeControl([]byte(`{"timestamp": 123}`))
	assert.Error(t, err)
}

func TestDecodeControlRejectsGarbage(t *testing.T) {
	_, err := decodeControl([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeControlUnknownTypePasses(t *testing.T) {
	// Forward compatibility: unknown types decode fine and are handled
	// (ignored) at the dispatch layer.
	msg, err := decodeControl([]byte(`{"type":"future-thing","value":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "future-thing", msg.Type)
}

func TestQualityChangeMessage(t *testing.T) {
	data, err := encodeControl(controlMessage{Type: controlQualityChange, Value: "720p"})
	require.NoError(t, err)

	msg, err := decodeControl(data)
	require.NoError(t, err)
	assert.Equal(t, controlQualityChange, msg.Type)
	assert.Equal(t, "720p", msg.Value)
}
