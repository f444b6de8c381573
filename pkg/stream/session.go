package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/hivecam-gateway/pkg/keepalive"
	"github.com/ethan/hivecam-gateway/pkg/sdp"
)

// State is a stream session's lifecycle phase.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// live reports whether the state holds media-server resources. A camera can
// only have one live session at a time.
func (s State) live() bool {
	return s == StateStarting || s == StateActive || s == StateStopping
}

// Session is one camera's streaming session: the media-server pipeline, the
// camera-facing receiver endpoint, the negotiated SDP and the keepalive
// pump. All mutation goes through the Manager that owns it.
type Session struct {
	CameraID  string
	SessionID string
	StreamID  string

	mu           sync.Mutex
	state        State
	pipelineID   string
	receiverID   string
	rewrittenSDP string
	meta         sdp.Metadata
	targetIP     string
	startedAt    time.Time
	stoppedAt    time.Time
	lastError    string
	pump         *keepalive.Pump
}

func newSession(cameraID, targetIP string) *Session {
	streamID := uuid.NewString()
	return &Session{
		CameraID:  cameraID,
		SessionID: fmt.Sprintf("stream-%.8s-%.8s", cameraID, streamID),
		StreamID:  streamID,
		state:     StateIdle,
		targetIP:  targetIP,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setActive() {
	s.mu.Lock()
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setStopped() {
	s.mu.Lock()
	s.state = StateStopped
	s.stoppedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateError
	s.lastError = err.Error()
	s.mu.Unlock()
}

// connection returns the media-object ids viewers attach to.
func (s *Session) connection() (pipelineID, receiverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelineID, s.receiverID
}

// Stats contains a session's status as reported by the control API.
type Stats struct {
	CameraID      string           `json:"camera_id"`
	SessionID     string           `json:"session_id"`
	StreamID      string           `json:"stream_id"`
	State         string           `json:"state"`
	TargetIP      string           `json:"target_ip,omitempty"`
	StartedAt     string           `json:"started_at,omitempty"`
	StoppedAt     string           `json:"stopped_at,omitempty"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Viewers       int              `json:"viewers"`
	Keepalive     *keepalive.Stats `json:"keepalive,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// stats snapshots the session. viewers is supplied by the caller because
// viewer bookkeeping lives in the signaling hub.
func (s *Session) stats(viewers int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		CameraID:  s.CameraID,
		SessionID: s.SessionID,
		StreamID:  s.StreamID,
		State:     string(s.state),
		TargetIP:  s.targetIP,
		Viewers:   viewers,
		LastError: s.lastError,
	}
	if !s.startedAt.IsZero() {
		st.StartedAt = s.startedAt.UTC().Format(time.RFC3339)
		end := time.Now()
		if !s.stoppedAt.IsZero() {
			end = s.stoppedAt
			st.StoppedAt = s.stoppedAt.UTC().Format(time.RFC3339)
		}
		st.UptimeSeconds = end.Sub(s.startedAt).Seconds()
	}
	if s.pump != nil {
		ks := s.pump.Stats()
		st.Keepalive = &ks
	}
	return st
}
