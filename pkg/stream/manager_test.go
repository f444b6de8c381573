package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/hivecam-gateway/pkg/config"
)

// fakeMedia records media-server operations in call order and lets tests
// fail specific steps.
type fakeMedia struct {
	mu       sync.Mutex
	calls    []string
	failOn   string
	released []string
	answer   string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{answer: kurentoAnswer()}
}

// kurentoAnswer is shaped like a real media-server answer to the vendor
// offer: passive direction, server-side ssrc/cname values, server IPs.
func kurentoAnswer() string {
	return strings.Join([]string{
		"v=0",
		"o=- 38158400 381584000 IN IP4 10.0.30.7",
		"s=Kurento Media Server",
		"c=IN IP4 10.0.30.7",
		"t=0 0",
		"m=audio 32014 RTP/AVPF 96 0",
		"a=setup:active",
		"a=direction:passive",
		"a=rtpmap:96 opus/48000/2",
		"a=recvonly",
		"a=ssrc:999111 cname:user@kurento",
		"m=video 32016 RTP/AVPF 103",
		"a=rtpmap:103 H264/90000",
		"a=rtcp-fb:103 goog-remb",
		"a=direction:passive",
		"a=recvonly",
		"a=ssrc:999222 cname:user@kurento",
	}, "\r\n") + "\r\n"
}

func (f *fakeMedia) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return fmt.Errorf("%s: induced failure", call)
	}
	return nil
}

func (f *fakeMedia) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMedia) CreateMediaPipeline(context.Context) (string, error) {
	if err := f.record("createPipeline"); err != nil {
		return "", err
	}
	return "pipeline-1", nil
}

func (f *fakeMedia) CreateRtpEndpoint(_ context.Context, pipeline string) (string, error) {
	if err := f.record("createReceiver " + pipeline); err != nil {
		return "", err
	}
	return "receiver-1", nil
}

func (f *fakeMedia) ProcessOffer(_ context.Context, endpoint, _ string) (string, error) {
	if err := f.record("processOffer " + endpoint); err != nil {
		return "", err
	}
	return f.answer, nil
}

func (f *fakeMedia) SetMaxVideoRecvBandwidth(_ context.Context, endpoint string, kbps int) error {
	return f.record(fmt.Sprintf("setMaxRecv %s %d", endpoint, kbps))
}

func (f *fakeMedia) SetMinVideoRecvBandwidth(_ context.Context, endpoint string, kbps int) error {
	return f.record(fmt.Sprintf("setMinRecv %s %d", endpoint, kbps))
}

func (f *fakeMedia) Release(_ context.Context, object string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "release "+object)
	f.released = append(f.released, object)
}

// fakeCommands records camera commands; keepalive delivery is switchable so
// tests can starve the pump.
type fakeCommands struct {
	mu           sync.Mutex
	plays        []string // rewritten SDPs
	stops        []string // camera ids
	keepalives   int
	keepaliveErr error
}

func (f *fakeCommands) PublishPlay(cameraID, streamID, rewrittenSDP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, rewrittenSDP)
	return nil
}

func (f *fakeCommands) PublishStop(cameraID, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, cameraID)
	return nil
}

func (f *fakeCommands) PublishKeepalive(cameraID, streamID string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return f.keepaliveErr
}

func (f *fakeCommands) keepaliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepalives
}

func testConfig() *config.Config {
	return &config.Config{
		LocalIP:               "192.168.199.10",
		ExternalIP:            "203.0.113.5",
		CameraRTCPPort:        56001,
		MaxVideoRecvBandwidth: 5000,
		MinVideoRecvBandwidth: 500,
		KeepaliveInterval:     50 * time.Millisecond,
		StreamStartTimeout:    5 * time.Second,
		RequestTimeout:        5 * time.Second,
	}
}

func newTestManager(media *fakeMedia, commands *fakeCommands) *Manager {
	return NewManager(testConfig(), media, commands, zerolog.Nop())
}

func TestStartStreamRunsProtocolInOrder(t *testing.T) {
	media := newFakeMedia()
	commands := &fakeCommands{}
	m := newTestManager(media, commands)

	sess, err := m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.NoError(t, err)
	defer m.StopStream(context.Background(), "CAM1")

	assert.Equal(t, StateActive, sess.State())
	assert.NotEmpty(t, sess.StreamID)

	assert.Equal(t, []string{
		"createPipeline",
		"createReceiver pipeline-1",
		"processOffer receiver-1",
		"setMaxRecv receiver-1 5000",
		"setMinRecv receiver-1 500",
	}, media.callList())

	require.Len(t, commands.plays, 1)
	published := commands.plays[0]
	assert.Contains(t, published, "x-skl-ssrca:229236353")
	assert.Contains(t, published, "x-skl-ssrcv:1607797317")
	assert.Contains(t, published, "x-skl-cname:")
	assert.Contains(t, published, "goog-remb")
	assert.Contains(t, published, "203.0.113.5")
	assert.NotContains(t, published, "10.0.30.7")
}

func TestSecondStartIsRejectedWhileLive(t *testing.T) {
	media := newFakeMedia()
	m := newTestManager(media, &fakeCommands{})

	_, err := m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.NoError(t, err)
	defer m.StopStream(context.Background(), "CAM1")

	_, err = m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.ErrorIs(t, err, ErrAlreadyActive)

	// The failed second start must not have touched the media server again.
	assert.Len(t, media.callList(), 5)
}

func TestStartFailureReleasesPipelineAndLeavesError(t *testing.T) {
	media := newFakeMedia()
	media.failOn = "processOffer"
	m := newTestManager(media, &fakeCommands{})

	_, err := m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process offer")
	assert.Equal(t, []string{"pipeline-1"}, media.released)

	stats, err := m.Stats("CAM1")
	require.NoError(t, err)
	assert.Equal(t, string(StateError), stats.State)

	// A fresh start sweeps the Error leftover.
	media.failOn = ""
	_, err = m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.NoError(t, err)
	m.StopStream(context.Background(), "CAM1")
}

func TestStopStreamReleasesEverythingInOrder(t *testing.T) {
	media := newFakeMedia()
	commands := &fakeCommands{}
	m := newTestManager(media, commands)

	var releasedViewers []string
	m.SetViewerHooks(func(cameraID string) {
		releasedViewers = append(releasedViewers, cameraID)
	}, func(string) int { return 0 })

	_, err := m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.NoError(t, err)

	stats, err := m.StopStream(context.Background(), "CAM1")
	require.NoError(t, err)
	assert.Equal(t, string(StateStopped), stats.State)
	assert.NotEmpty(t, stats.StoppedAt)

	assert.Equal(t, []string{"CAM1"}, releasedViewers)
	assert.Equal(t, []string{"CAM1"}, commands.stops)
	assert.Equal(t, []string{"pipeline-1"}, media.released)

	// Gone from the map: a second stop is a 404 at the HTTP level.
	_, err = m.StopStream(context.Background(), "CAM1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Stats("CAM1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStopUnknownCameraIsNotFound(t *testing.T) {
	m := newTestManager(newFakeMedia(), &fakeCommands{})
	_, err := m.StopStream(context.Background(), "GHOST")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeepaliveExhaustionStopsSessionAutonomously(t *testing.T) {
	media := newFakeMedia()
	commands := &fakeCommands{keepaliveErr: errors.New("broker down")}
	cfg := testConfig()
	cfg.KeepaliveInterval = 2 * time.Millisecond
	m := NewManager(cfg, media, commands, zerolog.Nop())

	released := make(chan string, 1)
	m.SetViewerHooks(func(cameraID string) { released <- cameraID }, func(string) int { return 0 })

	_, err := m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.NoError(t, err)

	select {
	case cam := <-released:
		assert.Equal(t, "CAM1", cam)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down after keepalive exhaustion")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Stats("CAM1"); errors.Is(err, ErrNotFound) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, err = m.Stats("CAM1")
	require.ErrorIs(t, err, ErrNotFound)

	assert.GreaterOrEqual(t, commands.keepaliveCount(), 5)
	assert.Equal(t, []string{"pipeline-1"}, media.released)
}

func TestConnectionInfoOnlyWhileActive(t *testing.T) {
	m := newTestManager(newFakeMedia(), &fakeCommands{})

	_, _, err := m.ConnectionInfo("CAM1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.StartStream(context.Background(), "CAM1", "203.0.113.5", 5000, 500)
	require.NoError(t, err)

	pipeline, receiver, err := m.ConnectionInfo("CAM1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline-1", pipeline)
	assert.Equal(t, "receiver-1", receiver)

	m.StopStream(context.Background(), "CAM1")
	_, _, err = m.ConnectionInfo("CAM1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotAndActiveCount(t *testing.T) {
	m := newTestManager(newFakeMedia(), &fakeCommands{})
	m.SetViewerHooks(nil, func(string) int { return 3 })

	_, err := m.StartStream(context.Background(), "CAM2", "203.0.113.5", 5000, 500)
	require.NoError(t, err)
	_, err = m.StartStream(context.Background(), "CAM1", "192.168.199.10", 5000, 500)
	require.NoError(t, err)
	defer m.StopAll(context.Background())

	assert.Equal(t, 2, m.ActiveCount())

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "CAM1", snap[0].CameraID)
	assert.Equal(t, "CAM2", snap[1].CameraID)
	assert.Equal(t, 3, snap[0].Viewers)
	assert.Equal(t, "192.168.199.10", snap[0].TargetIP)
	require.NotNil(t, snap[0].Keepalive)
}
