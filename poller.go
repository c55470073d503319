package relaychat

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is how often the poller asks the pull feed for new
// messages.
const DefaultPollInterval = 2500 * time.Millisecond

// DefaultPullLimit bounds how many messages one poll tick fetches.
const DefaultPullLimit = 100

// Poller periodically drains the shared pull feed into a session. A tick
// that fails does not stop the loop: the error is surfaced through
// EventPollError and the next tick runs as scheduled.
type Poller struct {
	sess     *Session
	interval time.Duration
	limit    int
	timeout  time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval sets the tick interval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPullLimit sets the per-tick fetch limit.
func WithPullLimit(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.limit = n
		}
	}
}

// NewPoller creates a poller feeding the given session.
func NewPoller(sess *Session, opts ...PollerOption) *Poller {
	p := &Poller{
		sess:     sess,
		interval: DefaultPollInterval,
		limit:    DefaultPullLimit,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the poll loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(p.stopCh, p.doneCh)
}

// Stop halts the poll loop and waits for the in-flight tick, if any, to
// finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()
	<-done
}

func (p *Poller) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick runs one poll cycle. The selection is re-read here rather than
// captured at Start, so a conversation switch between ticks takes effect
// immediately.
func (p *Poller) tick() {
	sel := p.sess.Selection()
	if sel.IsZero() {
		return
	}
	var groupIDs []string
	if sel.IsGroup() {
		groupIDs = []string{sel.Group.ID}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	batch, err := p.sess.transport.Pull(ctx, p.limit, groupIDs)
	if err != nil {
		p.sess.events.emit(EventPollError, err)
		return
	}
	if len(batch) > 0 {
		p.sess.Ingest(batch)
	}
}
