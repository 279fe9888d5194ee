package coordinator

import (
	"encoding/json"
	"fmt"
)

// Control messages ride the per-peer data channel once it opens. The
// channel is ordered with bounded retransmits, so a lost stats push is
// acceptable and never stalls newer messages.
const (
	controlPing          = "ping"
	controlPong          = "pong"
	controlStats         = "stats"
	controlQualityChange = "quality-change"
)

// controlMessage is the JSON-tagged union for the control channel.
type controlMessage struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix millis, ping/pong
	Payload   json.RawMessage `json:"payload,omitempty"`   // stats
	Value     string          `json:"value,omitempty"`     // quality-change
}

// linkStats is the payload pushed host->viewer on the stats interval.
type linkStats struct {
	BytesSent     uint64  `json:"bytesSent"`
	BytesReceived uint64  `json:"bytesReceived"`
	RTTMillis     int64   `json:"rttMs"`
	FractionLost  float64 `json:"fractionLost"`
	Jitter        uint32  `json:"jitter"`
}

func encodeControl(msg controlMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}
	return data, nil
}

func decodeControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("failed to decode control message: %w", err)
	}
	if msg.Type == "" {
		return controlMessage{}, fmt.Errorf("control message type is required")
	}
	return msg, nil
}
