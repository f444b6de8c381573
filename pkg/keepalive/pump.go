// Package keepalive sustains a camera session with periodic heartbeats.
// Cameras drop the stream when heartbeats stop, so a pump that cannot
// deliver them reports the session as dead instead of silently idling.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxConsecutiveErrors is the error budget: the pump gives up and fires its
// failure callback on the fifth publish failure in a row.
const maxConsecutiveErrors = 5

// PublishFunc delivers one heartbeat carrying the running beat count.
type PublishFunc func(count int) error

// Pump publishes a heartbeat every interval until stopped or until its
// error budget is spent.
type Pump struct {
	interval  time.Duration
	publish   PublishFunc
	onFailure func(error)
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	count       int
	errorCount  int
	consecutive int
	lastSuccess time.Time
	lastError   string
}

// Stats is a snapshot of pump counters for session status reporting.
type Stats struct {
	Count       int    `json:"count"`
	ErrorCount  int    `json:"error_count"`
	LastSuccess string `json:"last_success,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// New builds a pump. onFailure is invoked at most once, from its own
// goroutine, when the error budget is exhausted; the pump has already
// stopped ticking by then.
func New(interval time.Duration, publish PublishFunc, onFailure func(error), log zerolog.Logger) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pump{
		interval:  interval,
		publish:   publish,
		onFailure: onFailure,
		log:       log.With().Str("component", "keepalive").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins ticking. The first heartbeat goes out after one interval.
func (p *Pump) Start() {
	p.wg.Add(1)
	go p.loop()
	p.log.Debug().Dur("interval", p.interval).Msg("Keepalive pump started")
}

// Stop cancels the pump and waits for the loop to drain. Safe to call after
// the pump has already stopped itself.
func (p *Pump) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Stats returns a snapshot of the pump's counters.
func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Count:      p.count,
		ErrorCount: p.errorCount,
		LastError:  p.lastError,
	}
	if !p.lastSuccess.IsZero() {
		s.LastSuccess = p.lastSuccess.UTC().Format(time.RFC3339)
	}
	return s
}

func (p *Pump) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.beat(); err != nil {
			// Budget spent: stop ticking and escalate. The callback runs
			// off this goroutine because it typically calls back into the
			// session teardown, which in turn calls Stop.
			p.log.Error().Err(err).Int("consecutive_errors", maxConsecutiveErrors).
				Msg("Keepalive error budget exhausted; stopping pump")
			if p.onFailure != nil {
				go p.onFailure(err)
			}
			return
		}
	}
}

// beat publishes one heartbeat and updates the counters. It returns non-nil
// only when the consecutive-error budget is exhausted.
func (p *Pump) beat() error {
	p.mu.Lock()
	count := p.count + 1
	p.mu.Unlock()

	err := p.publish(count)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.count = count
		p.consecutive = 0
		p.lastSuccess = time.Now()
		return nil
	}

	p.errorCount++
	p.consecutive++
	p.lastError = err.Error()
	p.log.Warn().Err(err).Int("consecutive", p.consecutive).Msg("Keepalive publish failed")

	if p.consecutive >= maxConsecutiveErrors {
		return err
	}
	return nil
}
