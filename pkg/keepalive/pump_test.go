package keepalive

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPumpPublishesAndCounts(t *testing.T) {
	var beats atomic.Int64
	var lastCount atomic.Int64
	p := New(5*time.Millisecond, func(count int) error {
		beats.Add(1)
		lastCount.Store(int64(count))
		return nil
	}, nil, zerolog.Nop())

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return beats.Load() >= 3 }, "pump never reached 3 beats")

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Count, 3)
	assert.Equal(t, 0, stats.ErrorCount)
	assert.NotEmpty(t, stats.LastSuccess)
	assert.Empty(t, stats.LastError)

	// The count carried in each heartbeat is the running beat number.
	assert.Equal(t, int64(stats.Count), lastCount.Load())
}

func TestPumpStopsAfterFiveConsecutiveFailures(t *testing.T) {
	var attempts atomic.Int64
	failures := make(chan error, 1)

	p := New(2*time.Millisecond, func(int) error {
		attempts.Add(1)
		return errors.New("broker refused")
	}, func(err error) { failures <- err }, zerolog.Nop())

	p.Start()
	defer p.Stop()

	select {
	case err := <-failures:
		assert.Contains(t, err.Error(), "broker refused")
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}

	// The pump stops ticking once the budget is spent.
	settled := attempts.Load()
	assert.Equal(t, int64(maxConsecutiveErrors), settled)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, attempts.Load())

	stats := p.Stats()
	assert.Equal(t, maxConsecutiveErrors, stats.ErrorCount)
	assert.Equal(t, "broker refused", stats.LastError)
}

func TestSuccessResetsConsecutiveErrorCount(t *testing.T) {
	var mu sync.Mutex
	var calls int
	failed := make(chan struct{}, 1)

	// Four failures, one success, then four more failures: the budget must
	// not fire because the success resets the streak.
	p := New(2*time.Millisecond, func(int) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 5 {
			return nil
		}
		if calls > 9 {
			return nil
		}
		return errors.New("flaky")
	}, func(error) { failed <- struct{}{} }, zerolog.Nop())

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 10
	}, "pump stopped early")

	select {
	case <-failed:
		t.Fatal("failure callback fired despite resets")
	default:
	}

	stats := p.Stats()
	assert.Equal(t, 8, stats.ErrorCount)
}

func TestStopIsIdempotentAndAfterSelfStop(t *testing.T) {
	done := make(chan struct{})
	p := New(2*time.Millisecond, func(int) error {
		return errors.New("down")
	}, func(error) { close(done) }, zerolog.Nop())

	p.Start()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump never gave up")
	}

	p.Stop()
	p.Stop()
	require.True(t, true)
}
