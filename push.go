package relaychat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// pushEnvelope is the wire format for all push events.
type pushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushState represents the push connection state.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushReconnecting PushState = "reconnecting"
)

// PushConfig configures a PushClient.
type PushConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// reconnector tracks exponential reconnect backoff. A connection that
// stayed up for over a minute resets the attempt counter.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// PushClient streams inbound messages over a WebSocket into a session, as a
// lower-latency companion to the poller. Both feeds can run at once: the
// session deduplicates by message id, so whichever source delivers first
// wins and the other copy is dropped (or upgrades the attachment metadata
// if it knows more).
type PushClient struct {
	baseURL string
	config  *PushConfig
	sess    *Session
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            PushState
	intentionalClose bool
	cancelFn         context.CancelFunc

	onState []func(PushState, string)
}

// NewPushClient creates a push client over the given base URL, delivering
// into sess.
func NewPushClient(baseURL string, config *PushConfig, sess *Session) *PushClient {
	if config == nil {
		config = &PushConfig{}
	}
	config.defaults()
	return &PushClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		sess:    sess,
		state:   PushDisconnected,
		recon: &reconnector{
			baseDelay:   config.ReconnectBaseDelay,
			maxDelay:    config.ReconnectMaxDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
	}
}

// OnStateChange registers a handler for connection state transitions. The
// detail string carries the close reason or reconnect delay.
func (p *PushClient) OnStateChange(h func(state PushState, detail string)) {
	p.mu.Lock()
	p.onState = append(p.onState, h)
	p.mu.Unlock()
}

// State returns the current connection state.
func (p *PushClient) State() PushState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PushClient) setState(state PushState, detail string) {
	p.mu.Lock()
	p.state = state
	handlers := append([]func(PushState, string){}, p.onState...)
	p.mu.Unlock()
	for _, h := range handlers {
		go h(state, detail)
	}
}

// Connect establishes the WebSocket connection and starts the read loop.
func (p *PushClient) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == PushConnected || p.state == PushConnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = PushConnecting
	p.intentionalClose = false
	p.mu.Unlock()

	wsURL := strings.Replace(p.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + p.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		p.setState(PushDisconnected, err.Error())
		return fmt.Errorf("websocket dial: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.recon.markConnected()
	p.setState(PushConnected, "")

	connCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancelFn = cancel
	p.mu.Unlock()

	go p.readLoop(connCtx, conn)
	return nil
}

// Disconnect gracefully closes the connection.
func (p *PushClient) Disconnect() error {
	p.mu.Lock()
	p.intentionalClose = true
	if p.cancelFn != nil {
		p.cancelFn()
		p.cancelFn = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.setState(PushDisconnected, "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (p *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.mu.Lock()
			intentional := p.intentionalClose
			p.conn = nil
			p.mu.Unlock()
			if intentional {
				return
			}
			p.setState(PushDisconnected, err.Error())
			if p.config.AutoReconnect && p.recon.shouldReconnect() {
				p.scheduleReconnect()
			}
			return
		}

		var env pushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != "message.new" {
			continue
		}
		var in WireInbound
		if json.Unmarshal(env.Payload, &in) != nil {
			continue
		}
		p.sess.Ingest([]WireInbound{in})
	}
}

func (p *PushClient) scheduleReconnect() {
	delay := p.recon.nextDelay()
	p.setState(PushReconnecting, delay.String())

	time.Sleep(delay)

	// A Disconnect issued during the backoff must stick.
	p.mu.Lock()
	intentional := p.intentionalClose
	p.mu.Unlock()
	if intentional {
		return
	}

	// The old context died with the connection.
	if err := p.Connect(context.Background()); err != nil {
		if p.config.AutoReconnect && p.recon.shouldReconnect() {
			p.scheduleReconnect()
		} else {
			p.setState(PushDisconnected, "reconnect attempts exhausted")
		}
	}
}
