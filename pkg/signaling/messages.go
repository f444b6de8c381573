package signaling

import "github.com/pion/webrtc/v4"

// Message types on the viewer WebSocket. Inbound: viewer, onIceCandidate,
// stop. Outbound: viewerResponse, iceCandidate, error.
const (
	typeViewer         = "viewer"
	typeOnIceCandidate = "onIceCandidate"
	typeStop           = "stop"
	typeViewerResponse = "viewerResponse"
	typeIceCandidate   = "iceCandidate"
	typeError          = "error"
)

// message is the single envelope for every frame in both directions; which
// fields are set depends on Type.
type message struct {
	Type      string                   `json:"type"`
	CameraID  string                   `json:"cameraId,omitempty"`
	StreamID  string                   `json:"streamId,omitempty"`
	SDPOffer  string                   `json:"sdpOffer,omitempty"`
	SDPAnswer string                   `json:"sdpAnswer,omitempty"`
	ViewerID  string                   `json:"viewerId,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

func errorMessage(text string) message {
	return message{Type: typeError, Message: text}
}

// ViewerInfo is the control API's view of one connected viewer.
type ViewerInfo struct {
	ViewerID  string `json:"viewer_id"`
	CameraID  string `json:"camera_id"`
	StreamID  string `json:"stream_id"`
	SinkID    string `json:"sink_id"`
	CreatedAt string `json:"created_at"`
}
