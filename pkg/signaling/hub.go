// Package signaling is the viewer-facing WebSocket hub: it attaches browser
// viewers to active camera streams by building per-viewer sink endpoints on
// the media server and relaying trickle ICE in both directions.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ethan/hivecam-gateway/pkg/config"
	"github.com/ethan/hivecam-gateway/pkg/mediaserver"
)

const (
	maxFrameSize = 10 << 20 // large SDP offers
	pingInterval = 20 * time.Second
	pongTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrViewerLimit marks an attach rejected by the per-stream viewer cap.
var ErrViewerLimit = errors.New("viewer limit reached")

// MediaAPI is the slice of the media-server client the hub drives.
type MediaAPI interface {
	CreateWebRtcEndpoint(ctx context.Context, pipeline string) (string, error)
	Subscribe(ctx context.Context, object, eventType string) (string, error)
	SetMaxVideoSendBandwidth(ctx context.Context, endpoint string, kbps int) error
	SetMinVideoSendBandwidth(ctx context.Context, endpoint string, kbps int) error
	ConnectEndpoints(ctx context.Context, source, sink string) error
	ProcessOffer(ctx context.Context, endpoint, offer string) (string, error)
	GatherCandidates(ctx context.Context, endpoint string) error
	AddIceCandidate(ctx context.Context, endpoint string, candidate webrtc.ICECandidateInit) error
	Release(ctx context.Context, object string)
	AddEventListener(fn mediaserver.EventHandler)
}

// StreamSource resolves a camera id to the media objects viewers attach to.
// Satisfied by the stream manager; fails unless the session is Active.
type StreamSource interface {
	ConnectionInfo(cameraID string) (pipelineID, receiverID string, err error)
}

type viewer struct {
	id        string
	cameraID  string
	streamID  string
	sinkID    string
	createdAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// send writes one frame. gorilla allows a single writer per connection, so
// the per-viewer mutex serializes the read loop against the ICE relay.
func (v *viewer) send(msg message) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return v.conn.WriteJSON(msg)
}

// Hub is the WebSocket signaling server. One goroutine per connection reads
// viewer frames; a single process-wide media-server listener relays gathered
// ICE candidates back to the right viewer by sink endpoint id.
type Hub struct {
	cfg     *config.Config
	media   MediaAPI
	streams StreamSource
	log     zerolog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.RWMutex
	viewers map[string]*viewer // viewer id -> viewer
	bySink  map[string]*viewer // sink endpoint id -> viewer
}

// NewHub creates the hub and registers its media-server event listener.
func NewHub(cfg *config.Config, media MediaAPI, streams StreamSource, log zerolog.Logger) *Hub {
	h := &Hub{
		cfg:     cfg,
		media:   media,
		streams: streams,
		log:     log.With().Str("component", "signaling").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		viewers: make(map[string]*viewer),
		bySink:  make(map[string]*viewer),
	}
	media.AddEventListener(h.onMediaEvent)
	return h
}

// Start begins serving viewer WebSocket connections on addr.
func (h *Hub) Start(addr string) error {
	h.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	h.log.Info().Str("address", addr).Msg("Starting signaling server")

	errChan := make(chan error, 1)
	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error().Err(err).Msg("Signaling server error")
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes every viewer and shuts the server down.
func (h *Hub) Stop(ctx context.Context) error {
	h.CloseAll()
	if h.httpServer == nil {
		return nil
	}
	h.log.Info().Msg("Stopping signaling server")
	return h.httpServer.Shutdown(ctx)
}

// ServeHTTP upgrades the connection and runs its read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Viewer connection opened")
	go h.handleConn(conn)
}

func (h *Hub) handleConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	// At most one viewer session per connection.
	var v *viewer
	defer func() {
		if v != nil {
			h.removeViewer(v)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Msg("Viewer connection closed")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeJSON(conn, v, errorMessage("Invalid JSON message"))
			return
		}

		switch msg.Type {
		case typeViewer:
			if v != nil {
				h.writeJSON(conn, v, errorMessage("Viewer session already established"))
				continue
			}
			attached, err := h.attach(conn, msg)
			if err != nil {
				h.writeJSON(conn, nil, errorMessage(h.attachErrorText(err)))
				return
			}
			v = attached

		case typeOnIceCandidate:
			if v == nil {
				h.writeJSON(conn, nil, errorMessage("No viewer session"))
				continue
			}
			if msg.Candidate == nil {
				h.writeJSON(conn, v, errorMessage("Missing candidate"))
				continue
			}
			if err := h.media.AddIceCandidate(context.Background(), v.sinkID, *msg.Candidate); err != nil {
				h.log.Warn().Err(err).Str("viewer_id", v.id).Msg("Failed to add viewer ICE candidate")
			}

		case typeStop:
			if v != nil {
				h.removeViewer(v)
				v = nil
			}
			return

		default:
			h.writeJSON(conn, v, errorMessage(fmt.Sprintf("Unknown message type: %s", msg.Type)))
		}
	}
}

// writeJSON sends on the viewer's serialized writer when one exists, else
// directly on the still-unregistered connection.
func (h *Hub) writeJSON(conn *websocket.Conn, v *viewer, msg message) {
	if v != nil {
		if err := v.send(msg); err != nil {
			h.log.Debug().Err(err).Str("viewer_id", v.id).Msg("Send failed")
		}
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteJSON(msg)
}

func (h *Hub) attachErrorText(err error) string {
	if errors.Is(err, ErrViewerLimit) {
		return fmt.Sprintf("Maximum viewers (%d) reached for stream", h.cfg.MaxViewersPerStream)
	}
	return err.Error()
}

// attach runs the ordered viewer-attach protocol: cap reservation, sink
// endpoint, ICE subscription before any gathering, send bandwidth bounds,
// receiver→sink connect, sink registration (ICE events may fire the moment
// gathering starts, so the viewer must be findable by sink id first), offer
// processing, then gathering.
func (h *Hub) attach(conn *websocket.Conn, msg message) (*viewer, error) {
	if msg.CameraID == "" || msg.SDPOffer == "" {
		return nil, errors.New("viewer message requires cameraId and sdpOffer")
	}

	pipeline, receiver, err := h.streams.ConnectionInfo(msg.CameraID)
	if err != nil {
		return nil, fmt.Errorf("no active stream for camera %s", msg.CameraID)
	}

	v := &viewer{
		id:        uuid.NewString(),
		cameraID:  msg.CameraID,
		streamID:  msg.StreamID,
		createdAt: time.Now(),
		conn:      conn,
	}

	// Reserve the slot before any media-server round trip; two attaches
	// racing at the cap must not both get through. The sink id is filled
	// in once the endpoint exists.
	h.mu.Lock()
	attached := 0
	for _, other := range h.viewers {
		if other.cameraID == msg.CameraID {
			attached++
		}
	}
	if attached >= h.cfg.MaxViewersPerStream {
		h.mu.Unlock()
		return nil, fmt.Errorf("camera %s: %w", msg.CameraID, ErrViewerLimit)
	}
	h.viewers[v.id] = v
	h.mu.Unlock()

	log := h.log.With().Str("viewer_id", v.id).Str("camera_id", v.cameraID).Logger()

	ctx := context.Background()
	sink, err := h.media.CreateWebRtcEndpoint(ctx, pipeline)
	if err != nil {
		h.deregister(v)
		return nil, fmt.Errorf("create viewer endpoint: %w", err)
	}

	fail := func(step string, err error) (*viewer, error) {
		h.deregister(v)
		h.media.Release(ctx, sink)
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if _, err := h.media.Subscribe(ctx, sink, mediaserver.EventOnIceCandidate); err != nil {
		return fail("subscribe ice events", err)
	}
	if err := h.media.SetMaxVideoSendBandwidth(ctx, sink, h.cfg.MaxVideoRecvBandwidth); err != nil {
		return fail("set max send bandwidth", err)
	}
	if err := h.media.SetMinVideoSendBandwidth(ctx, sink, h.cfg.MinVideoRecvBandwidth); err != nil {
		return fail("set min send bandwidth", err)
	}
	if err := h.media.ConnectEndpoints(ctx, receiver, sink); err != nil {
		return fail("connect receiver to sink", err)
	}

	h.mu.Lock()
	if _, ok := h.viewers[v.id]; !ok {
		// The stream was torn down while the sink was being built; the
		// teardown path could not see this sink, so it is released here.
		h.mu.Unlock()
		h.media.Release(ctx, sink)
		return nil, fmt.Errorf("stream for camera %s stopped", msg.CameraID)
	}
	v.sinkID = sink
	h.bySink[sink] = v
	h.mu.Unlock()

	answer, err := h.media.ProcessOffer(ctx, sink, msg.SDPOffer)
	if err != nil {
		return fail("process viewer offer", err)
	}

	if err := v.send(message{Type: typeViewerResponse, SDPAnswer: answer, ViewerID: v.id}); err != nil {
		return fail("send answer", err)
	}

	if err := h.media.GatherCandidates(ctx, sink); err != nil {
		return fail("gather candidates", err)
	}

	log.Info().Str("sink", sink).Msg("Viewer attached")
	return v, nil
}

// onMediaEvent relays gathered ICE candidates to the viewer owning the
// emitting endpoint. Candidates for unknown endpoints are dropped; they
// belong to viewers that already disconnected.
func (h *Hub) onMediaEvent(ev mediaserver.Event) {
	if !ev.IsIceCandidate() {
		return
	}

	cand, err := ev.IceCandidate()
	if err != nil {
		h.log.Warn().Err(err).Msg("Undecodable ICE candidate event")
		return
	}

	h.mu.RLock()
	v := h.bySink[ev.Object]
	h.mu.RUnlock()

	if v == nil {
		h.log.Debug().Str("endpoint", ev.Object).Msg("ICE candidate for unknown endpoint; dropping")
		return
	}

	if err := v.send(message{Type: typeIceCandidate, Candidate: &cand}); err != nil {
		h.log.Debug().Err(err).Str("viewer_id", v.id).Msg("ICE relay failed")
	}
}

// deregister reports whether the viewer was still registered; a false return
// means another path (ReleaseForStream, CloseAll) already took it.
func (h *Hub) deregister(v *viewer) bool {
	h.mu.Lock()
	_, ok := h.viewers[v.id]
	delete(h.viewers, v.id)
	delete(h.bySink, v.sinkID)
	h.mu.Unlock()
	return ok
}

// removeViewer drops the viewer from the maps before releasing its sink, so
// no late ICE relay targets a freed endpoint. Whichever path deregisters the
// viewer owns the release; the connection's own teardown finding it gone
// must not release the sink again.
func (h *Hub) removeViewer(v *viewer) {
	if !h.deregister(v) {
		return
	}
	h.media.Release(context.Background(), v.sinkID)
	h.log.Info().Str("viewer_id", v.id).Str("camera_id", v.cameraID).Msg("Viewer released")
}

// ReleaseForStream closes every viewer of the camera. Called by the stream
// manager when the session stops.
func (h *Hub) ReleaseForStream(cameraID string) {
	h.mu.Lock()
	var victims []*viewer
	for _, v := range h.viewers {
		if v.cameraID == cameraID {
			victims = append(victims, v)
			delete(h.viewers, v.id)
			delete(h.bySink, v.sinkID)
		}
	}
	h.mu.Unlock()

	for _, v := range victims {
		v.send(errorMessage("Stream stopped"))
		if v.sinkID != "" {
			h.media.Release(context.Background(), v.sinkID)
		}
		v.conn.Close()
		h.log.Info().Str("viewer_id", v.id).Str("camera_id", cameraID).Msg("Viewer released with stream")
	}
}

// CloseAll disconnects every viewer. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	victims := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		victims = append(victims, v)
	}
	h.viewers = make(map[string]*viewer)
	h.bySink = make(map[string]*viewer)
	h.mu.Unlock()

	for _, v := range victims {
		v.send(errorMessage("Server shutting down"))
		if v.sinkID != "" {
			h.media.Release(context.Background(), v.sinkID)
		}
		v.conn.Close()
	}
}

// Count returns the number of viewers attached to the camera.
func (h *Hub) Count(cameraID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, v := range h.viewers {
		if v.cameraID == cameraID {
			n++
		}
	}
	return n
}

// TotalCount returns the number of connected viewers across all cameras.
func (h *Hub) TotalCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Snapshot returns every viewer, sorted by creation time.
func (h *Hub) Snapshot() []ViewerInfo {
	return h.snapshot(func(*viewer) bool { return true })
}

// SnapshotFor returns the camera's viewers, sorted by creation time.
func (h *Hub) SnapshotFor(cameraID string) []ViewerInfo {
	return h.snapshot(func(v *viewer) bool { return v.cameraID == cameraID })
}

func (h *Hub) snapshot(keep func(*viewer) bool) []ViewerInfo {
	h.mu.RLock()
	kept := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		if keep(v) {
			kept = append(kept, v)
		}
	}
	h.mu.RUnlock()

	sort.Slice(kept, func(i, j int) bool { return kept[i].createdAt.Before(kept[j].createdAt) })

	out := make([]ViewerInfo, 0, len(kept))
	for _, v := range kept {
		out = append(out, ViewerInfo{
			ViewerID:  v.id,
			CameraID:  v.cameraID,
			StreamID:  v.streamID,
			SinkID:    v.sinkID,
			CreatedAt: v.createdAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (h *Hub) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// WriteControl is safe concurrently with the data writers.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
