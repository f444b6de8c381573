package mediaserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	JSONRPC string         `json:"jsonrpc"`
}

// fakeMediaServer speaks just enough JSON-RPC over WebSocket for the client
// tests. respond runs on the per-connection read goroutine, so it may write
// to the connection without extra locking.
type fakeMediaServer struct {
	srv      *httptest.Server
	requests chan testRequest
}

func newFakeMediaServer(t *testing.T, respond func(conn *websocket.Conn, req testRequest)) *fakeMediaServer {
	t.Helper()
	f := &fakeMediaServer{requests: make(chan testRequest, 32)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req testRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.requests <- req
			respond(conn, req)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMediaServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeMediaServer) nextRequest(t *testing.T) testRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
		return testRequest{}
	}
}

func replyValue(conn *websocket.Conn, id int64, value string) {
	conn.WriteJSON(map[string]any{
		"id":      id,
		"jsonrpc": "2.0",
		"result":  map[string]any{"value": value, "sessionId": "sess-1"},
	})
}

func replyEmpty(conn *websocket.Conn, id int64) {
	conn.WriteJSON(map[string]any{
		"id":      id,
		"jsonrpc": "2.0",
		"result":  map[string]any{"sessionId": "sess-1"},
	})
}

func newTestClient(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	c := New(url, timeout, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAndInvokeWireFormat(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		switch req.Method {
		case "create":
			replyValue(conn, req.ID, "pipeline-1")
		case "invoke":
			replyEmpty(conn, req.ID)
		}
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	pipeline, err := c.CreateMediaPipeline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pipeline-1", pipeline)

	req := fake.nextRequest(t)
	assert.Equal(t, "create", req.Method)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "MediaPipeline", req.Params["type"])
	assert.Equal(t, map[string]any{}, req.Params["constructorParams"])

	require.NoError(t, c.SetMaxVideoRecvBandwidth(context.Background(), "ep-1", 5000))

	req = fake.nextRequest(t)
	assert.Equal(t, "invoke", req.Method)
	assert.Equal(t, "ep-1", req.Params["object"])
	assert.Equal(t, "setMaxVideoRecvBandwidth", req.Params["operation"])
	opParams, ok := req.Params["operationParams"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5000), opParams["maxVideoRecvBandwidth"])
}

func TestCreateEndpointsReferencePipeline(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyValue(conn, req.ID, "obj-1")
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	_, err := c.CreateRtpEndpoint(context.Background(), "pipeline-1")
	require.NoError(t, err)
	req := fake.nextRequest(t)
	assert.Equal(t, "RtpEndpoint", req.Params["type"])
	ctor, ok := req.Params["constructorParams"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pipeline-1", ctor["mediaPipeline"])

	_, err = c.CreateWebRtcEndpoint(context.Background(), "pipeline-1")
	require.NoError(t, err)
	req = fake.nextRequest(t)
	assert.Equal(t, "WebRtcEndpoint", req.Params["type"])
}

func TestAddIceCandidateWireFormat(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyEmpty(conn, req.ID)
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	mid := "video"
	idx := uint16(1)
	err := c.AddIceCandidate(context.Background(), "ep-1", webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 UDP 2122252543 192.168.1.5 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	require.NoError(t, err)

	req := fake.nextRequest(t)
	assert.Equal(t, "addIceCandidate", req.Params["operation"])
	opParams := req.Params["operationParams"].(map[string]any)
	cand, ok := opParams["candidate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "candidate:1 1 UDP 2122252543 192.168.1.5 50000 typ host", cand["candidate"])
	assert.Equal(t, "video", cand["sdpMid"])
	assert.Equal(t, float64(1), cand["sdpMLineIndex"])
	assert.NotContains(t, cand, "usernameFragment")
}

func TestProcessOfferReturnsAnswer(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyValue(conn, req.ID, "v=0\r\nanswer")
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	answer, err := c.ProcessOffer(context.Background(), "ep-1", "v=0\r\noffer")
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\nanswer", answer)

	req := fake.nextRequest(t)
	opParams := req.Params["operationParams"].(map[string]any)
	assert.Equal(t, "v=0\r\noffer", opParams["offer"])
}

func TestServerErrorSurfacesAsRPCError(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		conn.WriteJSON(map[string]any{
			"id":      req.ID,
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": 40101, "message": "MediaObjectNotFound"},
		})
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	_, err := c.GenerateOffer(context.Background(), "ep-gone")
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 40101, rpcErr.Code)
	assert.Equal(t, "MediaObjectNotFound", rpcErr.Message)
	assert.Contains(t, err.Error(), "40101")
}

func TestCallTimeoutClearsPendingAndDropsLateReply(t *testing.T) {
	var lateID atomic.Int64
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		switch req.Method {
		case "invoke":
			// Hold the answer until after the client has given up.
			lateID.Store(req.ID)
		default:
			if id := lateID.Swap(0); id != 0 {
				replyValue(conn, id, "too-late")
			}
			replyValue(conn, req.ID, "pong")
		}
	})
	c := newTestClient(t, fake.url(), 100*time.Millisecond)

	err := c.ConnectEndpoints(context.Background(), "a", "b")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Stats().PendingRequests)

	// The late reply for the abandoned id arrives just before the pong and
	// must not be mistaken for the ping response.
	require.NoError(t, c.Ping(context.Background()))
}

func TestEventsDispatchUnderBothCandidateNames(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyValue(conn, req.ID, "sub-1")
		for _, name := range []string{EventOnIceCandidate, EventIceCandidateFound} {
			conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "onEvent",
				"params": map[string]any{
					"value": map[string]any{
						"type":   name,
						"object": "ep-1",
						"data": map[string]any{
							"source": "ep-1",
							"type":   name,
							"candidate": map[string]any{
								"candidate":     "candidate:2 1 UDP 1686052607 203.0.113.9 50001 typ srflx",
								"sdpMid":        "audio",
								"sdpMLineIndex": 0,
							},
						},
					},
				},
			})
		}
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	events := make(chan Event, 4)
	c.AddEventListener(func(ev Event) { events <- ev })

	subID, err := c.Subscribe(context.Background(), "ep-1", EventOnIceCandidate)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subID)

	for _, want := range []string{EventOnIceCandidate, EventIceCandidateFound} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
			assert.Equal(t, "ep-1", ev.Object)
			require.True(t, ev.IsIceCandidate())

			cand, err := ev.IceCandidate()
			require.NoError(t, err)
			assert.Equal(t, "candidate:2 1 UDP 1686052607 203.0.113.9 50001 typ srflx", cand.Candidate)
			require.NotNil(t, cand.SDPMid)
			assert.Equal(t, "audio", *cand.SDPMid)
			require.NotNil(t, cand.SDPMLineIndex)
			assert.Equal(t, uint16(0), *cand.SDPMLineIndex)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestPanickyHandlerDoesNotKillDispatch(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyValue(conn, req.ID, "sub-1")
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "onEvent",
			"params":  map[string]any{"value": map[string]any{"type": "MediaStateChanged", "object": "ep-1"}},
		})
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	got := make(chan Event, 1)
	c.AddEventListener(func(Event) { panic("boom") })
	c.AddEventListener(func(ev Event) { got <- ev })

	_, err := c.Subscribe(context.Background(), "ep-1", "MediaStateChanged")
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, "MediaStateChanged", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		if req.Method == "invoke" {
			conn.Close()
			return
		}
		replyValue(conn, req.ID, "ok")
	})
	c := newTestClient(t, fake.url(), 5*time.Second)

	err := c.GatherCandidates(context.Background(), "ep-1")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReleaseSwallowsErrors(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		switch req.Method {
		case "release":
			conn.WriteJSON(map[string]any{
				"id":      req.ID,
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": 40101, "message": "MediaObjectNotFound"},
			})
		default:
			replyValue(conn, req.ID, "pong")
		}
	})
	c := newTestClient(t, fake.url(), 2*time.Second)

	c.Release(context.Background(), "ep-gone")

	// The client must stay usable after a failed release.
	require.NoError(t, c.Ping(context.Background()))
}

func TestCloseIsIdempotentAndStopsClient(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyValue(conn, req.ID, "pong")
	})
	c := New(fake.url(), 2*time.Second, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.Connected())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())

	_, err := c.Call(context.Background(), "ping", map[string]any{})
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestStatsSnapshot(t *testing.T) {
	fake := newFakeMediaServer(t, func(conn *websocket.Conn, req testRequest) {
		replyValue(conn, req.ID, "pong")
	})
	c := newTestClient(t, fake.url(), 2*time.Second)
	c.AddEventListener(func(Event) {})

	stats := c.Stats()
	assert.Equal(t, fake.url(), stats.URL)
	assert.True(t, stats.Connected)
	assert.Equal(t, 0, stats.PendingRequests)
	assert.Equal(t, 1, stats.EventHandlers)
}
