package mqttgw

import (
	"time"

	"github.com/google/uuid"
)

const (
	sourceTypeCamera     = "hive-cam"
	messageTypePlay      = "play"
	messageTypeStop      = "stop"
	messageTypeKeepalive = "keepalive"

	// Fixed-width UTC microsecond timestamp, matching what the camera
	// firmware parses out of creationTimestamp.
	timestampLayout = "2006-01-02T15:04:05.000000Z"
)

// command is the wire payload for every camera control topic. Every command
// carries MessageType; play additionally carries SDPOffer, keepalive
// KeepaliveCount.
type command struct {
	RequestID         string `json:"requestId"`
	CreationTimestamp string `json:"creationTimestamp"`
	SourceID          string `json:"sourceId"`
	SourceType        string `json:"sourceType"`
	StreamID          string `json:"streamId"`
	SDPOffer          string `json:"sdpOffer,omitempty"`
	MessageType       string `json:"messageType,omitempty"`
	KeepaliveCount    *int   `json:"keepaliveCount,omitempty"`
}

func newCommand(cameraID, streamID string) command {
	return command{
		RequestID:         uuid.NewString(),
		CreationTimestamp: time.Now().UTC().Format(timestampLayout),
		SourceID:          cameraID,
		SourceType:        sourceTypeCamera,
		StreamID:          streamID,
	}
}
