package mediaserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrConnectionClosed is returned for calls in flight when the media-server
// socket drops and for calls attempted while disconnected. It is a transport
// error; callers may retry once the client has reconnected.
var ErrConnectionClosed = errors.New("media server connection closed")

// RPCError is an error object returned by the media server for a request.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("media server error %d: %s", e.Code, e.Message)
}

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	JSONRPC string `json:"jsonrpc"`
}

// rpcFrame is every inbound frame: a response (id set) or a notification
// (method set, no id).
type rpcFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// valueResult is the common {"value": ...} result shape of create, invoke
// and subscribe responses.
type valueResult struct {
	Value string `json:"value"`
}

// Well-known event type names. Older server versions emit OnIceCandidate,
// newer ones IceCandidateFound; both carry the same payload.
const (
	EventOnIceCandidate    = "OnIceCandidate"
	EventIceCandidateFound = "IceCandidateFound"
)

// Event is one media-server notification, decoded from the onEvent
// envelope's params.value.
type Event struct {
	Type   string          `json:"type"`
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

// eventParams is the notification params wrapper.
type eventParams struct {
	Value Event `json:"value"`
}

// IsIceCandidate reports whether the event announces a gathered ICE
// candidate, under either name the server dialects use.
func (e Event) IsIceCandidate() bool {
	return e.Type == EventOnIceCandidate || e.Type == EventIceCandidateFound
}

// IceCandidate decodes the candidate payload of an ICE event.
func (e Event) IceCandidate() (webrtc.ICECandidateInit, error) {
	var data struct {
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate event: %w", err)
	}
	return data.Candidate, nil
}

// EventHandler receives every notification from the media server. Handlers
// run on the read loop goroutine: they must be quick and must not call back
// into the Client synchronously.
type EventHandler func(Event)

// Stats is a point-in-time snapshot of client state.
type Stats struct {
	URL             string `json:"url"`
	Connected       bool   `json:"connected"`
	PendingRequests int    `json:"pending_requests"`
	EventHandlers   int    `json:"event_handlers"`
}
