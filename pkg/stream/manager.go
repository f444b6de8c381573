// Package stream owns the per-camera session lifecycle: it drives the media
// server to build a pipeline, negotiates the vendor SDP with the camera over
// MQTT and keeps the session alive with heartbeats.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ethan/hivecam-gateway/pkg/config"
	"github.com/ethan/hivecam-gateway/pkg/keepalive"
	"github.com/ethan/hivecam-gateway/pkg/sdp"
)

var (
	// ErrAlreadyActive is returned when a start is attempted for a camera
	// that already has a live session.
	ErrAlreadyActive = errors.New("stream already active")

	// ErrNotFound is returned when no stoppable session exists for a camera.
	ErrNotFound = errors.New("no active stream")
)

// MediaAPI is the slice of the media-server client the manager drives.
type MediaAPI interface {
	CreateMediaPipeline(ctx context.Context) (string, error)
	CreateRtpEndpoint(ctx context.Context, pipeline string) (string, error)
	ProcessOffer(ctx context.Context, endpoint, offer string) (string, error)
	SetMaxVideoRecvBandwidth(ctx context.Context, endpoint string, kbps int) error
	SetMinVideoRecvBandwidth(ctx context.Context, endpoint string, kbps int) error
	Release(ctx context.Context, object string)
}

// CommandPublisher delivers play/stop/keepalive commands to cameras.
type CommandPublisher interface {
	PublishPlay(cameraID, streamID, rewrittenSDP string) error
	PublishStop(cameraID, streamID string) error
	PublishKeepalive(cameraID, streamID string, count int) error
}

// Manager holds the camera-id → session map and serializes lifecycle
// transitions per camera.
type Manager struct {
	cfg      *config.Config
	media    MediaAPI
	commands CommandPublisher
	codec    *sdp.Codec
	log      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// onStopped tells the signaling hub to drop a stopped camera's viewers;
	// viewerCount asks it how many are attached. Both are set by the wiring
	// code so neither package imports the other.
	onStopped   func(cameraID string)
	viewerCount func(cameraID string) int
}

// NewManager creates a stream manager.
func NewManager(cfg *config.Config, media MediaAPI, commands CommandPublisher, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		media:    media,
		commands: commands,
		codec:    sdp.NewCodec(log),
		log:      log.With().Str("component", "stream").Logger(),
		sessions: make(map[string]*Session),
	}
}

// SetViewerHooks wires the signaling hub's viewer bookkeeping in.
func (m *Manager) SetViewerHooks(onStopped func(cameraID string), viewerCount func(cameraID string) int) {
	m.onStopped = onStopped
	m.viewerCount = viewerCount
}

// StartStream builds a session for the camera: pipeline and receiver on the
// media server, vendor SDP negotiation, play command over MQTT, keepalive
// pump. The steps run strictly in order; any failure releases what was
// acquired and leaves the session in Error.
//
// targetIP is the address written into the camera's SDP, chosen by the
// control API from where the start request originated. maxBW/minBW are the
// REMB bounds in Kbps.
func (m *Manager) StartStream(ctx context.Context, cameraID, targetIP string, maxBW, minBW int) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[cameraID]; ok {
		if existing.State().live() {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: camera %s has session %s", ErrAlreadyActive, cameraID, existing.SessionID)
		}
		// Stale Stopped/Error leftover: sweep it and start fresh.
		delete(m.sessions, cameraID)
	}
	sess := newSession(cameraID, targetIP)
	sess.state = StateStarting
	m.sessions[cameraID] = sess
	m.mu.Unlock()

	log := m.log.With().Str("camera_id", cameraID).Str("stream_id", sess.StreamID).Logger()
	log.Info().Str("target_ip", targetIP).Int("max_bw", maxBW).Int("min_bw", minBW).Msg("Starting stream")

	if err := m.runStart(ctx, sess, maxBW, minBW, log); err != nil {
		m.cleanupFailedStart(sess, log)
		sess.fail(err)
		log.Error().Err(err).Msg("Stream start failed")
		return nil, err
	}

	sess.setActive()
	log.Info().Str("session_id", sess.SessionID).Msg("Stream active")
	return sess, nil
}

func (m *Manager) runStart(ctx context.Context, sess *Session, maxBW, minBW int, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StreamStartTimeout)
	defer cancel()

	pipeline, err := m.media.CreateMediaPipeline(ctx)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	sess.mu.Lock()
	sess.pipelineID = pipeline
	sess.mu.Unlock()

	receiver, err := m.media.CreateRtpEndpoint(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("create receiver endpoint: %w", err)
	}
	sess.mu.Lock()
	sess.receiverID = receiver
	sess.mu.Unlock()

	// The offer carries placeholder ports; the media server's answer holds
	// the ports it actually listens on, and those reach the camera through
	// the rewritten answer.
	meta := sdp.NewMetadata(9, 9, m.cfg.CameraRTCPPort)
	offer := m.codec.BuildOffer(meta)

	answer, err := m.media.ProcessOffer(ctx, receiver, offer)
	if err != nil {
		return fmt.Errorf("process offer: %w", err)
	}

	// Bandwidth bounds on the receiver trigger REMB feedback toward the
	// camera, which modulates its send rate.
	if err := m.media.SetMaxVideoRecvBandwidth(ctx, receiver, maxBW); err != nil {
		return fmt.Errorf("set max recv bandwidth: %w", err)
	}
	if err := m.media.SetMinVideoRecvBandwidth(ctx, receiver, minBW); err != nil {
		return fmt.Errorf("set min recv bandwidth: %w", err)
	}

	rewritten := m.codec.RewriteAnswer(answer, sess.targetIP, meta)
	if checks, ok := sdp.ValidateAnswer(rewritten); !ok {
		return fmt.Errorf("rewritten SDP failed validation: %v", sdp.FailedChecks(checks))
	}

	sess.mu.Lock()
	sess.meta = meta
	sess.rewrittenSDP = rewritten
	sess.mu.Unlock()

	if err := m.commands.PublishPlay(sess.CameraID, sess.StreamID, rewritten); err != nil {
		return fmt.Errorf("publish play: %w", err)
	}

	pump := keepalive.New(m.cfg.KeepaliveInterval, func(count int) error {
		return m.commands.PublishKeepalive(sess.CameraID, sess.StreamID, count)
	}, func(err error) {
		m.handleKeepaliveFailure(sess, err)
	}, log)

	sess.mu.Lock()
	sess.pump = pump
	sess.mu.Unlock()
	pump.Start()

	return nil
}

func (m *Manager) cleanupFailedStart(sess *Session, log zerolog.Logger) {
	pipeline, _ := sess.connection()
	if pipeline != "" {
		log.Warn().Str("pipeline", pipeline).Msg("Releasing pipeline after failed start")
		m.media.Release(context.Background(), pipeline)
	}
}

// handleKeepaliveFailure runs when a session's keepalive error budget is
// spent: the camera is presumed gone, so the session is torn down.
func (m *Manager) handleKeepaliveFailure(sess *Session, err error) {
	m.log.Error().Err(err).Str("camera_id", sess.CameraID).Msg("Keepalive exhausted; stopping stream")
	sess.fail(err)
	if _, stopErr := m.StopStream(context.Background(), sess.CameraID); stopErr != nil {
		m.log.Warn().Err(stopErr).Str("camera_id", sess.CameraID).Msg("Autonomous stop after keepalive failure")
	}
}

// StopStream tears a session down: keepalive pump first, then the camera's
// viewers, then a best-effort stop command and pipeline release. Returns the
// session's final stats.
func (m *Manager) StopStream(ctx context.Context, cameraID string) (Stats, error) {
	m.mu.Lock()
	sess, ok := m.sessions[cameraID]
	if !ok {
		m.mu.Unlock()
		return Stats{}, fmt.Errorf("%w for camera %s", ErrNotFound, cameraID)
	}
	if st := sess.State(); st != StateActive && st != StateError {
		m.mu.Unlock()
		return Stats{}, fmt.Errorf("%w for camera %s (session is %s)", ErrNotFound, cameraID, st)
	}
	sess.setState(StateStopping)
	m.mu.Unlock()

	log := m.log.With().Str("camera_id", cameraID).Str("stream_id", sess.StreamID).Logger()
	log.Info().Msg("Stopping stream")

	sess.mu.Lock()
	pump := sess.pump
	sess.mu.Unlock()
	if pump != nil {
		pump.Stop()
	}

	if m.onStopped != nil {
		m.onStopped(cameraID)
	}

	if err := m.commands.PublishStop(cameraID, sess.StreamID); err != nil {
		log.Warn().Err(err).Msg("Stop command not delivered")
	}

	pipeline, _ := sess.connection()
	if pipeline != "" {
		m.media.Release(ctx, pipeline)
	}

	sess.setStopped()
	stats := sess.stats(0)

	m.mu.Lock()
	delete(m.sessions, cameraID)
	m.mu.Unlock()

	log.Info().Float64("uptime_seconds", stats.UptimeSeconds).Msg("Stream stopped")
	return stats, nil
}

// StopAll stops every live session. Used at shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	cameras := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		cameras = append(cameras, id)
	}
	m.mu.RUnlock()

	for _, id := range cameras {
		if _, err := m.StopStream(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.Warn().Err(err).Str("camera_id", id).Msg("Stop during shutdown failed")
		}
	}
}

// ConnectionInfo returns the pipeline and receiver ids viewers attach to.
// It fails unless the camera's session is Active.
func (m *Manager) ConnectionInfo(cameraID string) (pipelineID, receiverID string, err error) {
	m.mu.RLock()
	sess, ok := m.sessions[cameraID]
	m.mu.RUnlock()

	if !ok || sess.State() != StateActive {
		return "", "", fmt.Errorf("%w for camera %s", ErrNotFound, cameraID)
	}
	pipelineID, receiverID = sess.connection()
	return pipelineID, receiverID, nil
}

// Stats returns the status of one camera's session.
func (m *Manager) Stats(cameraID string) (Stats, error) {
	m.mu.RLock()
	sess, ok := m.sessions[cameraID]
	m.mu.RUnlock()

	if !ok {
		return Stats{}, fmt.Errorf("%w for camera %s", ErrNotFound, cameraID)
	}
	return sess.stats(m.countViewers(cameraID)), nil
}

// Snapshot returns the status of every session, sorted by camera id.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.stats(m.countViewers(s.CameraID)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// ActiveCount returns the number of sessions currently in Active.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}

func (m *Manager) countViewers(cameraID string) int {
	if m.viewerCount == nil {
		return 0
	}
	return m.viewerCount(cameraID)
}
