// Package peer implements the peer-side session (spec.md §4.6 "MQClient"):
// it turns typed in-process messages into wire envelopes, correlates
// request/response pairs with timeouts, and runs the heartbeat and
// receive background tasks so the application only ever deals in typed
// messages.
package peer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hydrarouter/internal/envelope"
	"hydrarouter/internal/hlog"
	"hydrarouter/internal/hydraerr"
)

// DealerSocket is the transport collaborator a Client needs (spec.md §6):
// dial, single-frame send/recv, close. *transport.Dealer satisfies this.
type DealerSocket interface {
	Dial(endpoint string) error
	Send(payload []byte) error
	Recv() (payload []byte, err error)
	Close() error
}

// Handler processes an unsolicited inbound message of the kind it was
// registered for (spec.md §4.6 "register_handler"). It must not block: the
// library does not spawn a goroutine per handler invocation.
type Handler func(envelope.Message)

// Config holds a peer's construction-time options (spec.md §6).
type Config struct {
	RouterAddress         string
	PeerType              envelope.PeerType
	ClientID              string
	HeartbeatInterval     time.Duration
	RequestTimeoutDefault time.Duration
	MaxMessageBytes       int
	Logger                *hlog.Logger
}

// Option mutates a Config at construction time.
type Option func(*Config)

func WithClientID(id string) Option              { return func(c *Config) { c.ClientID = id } }
func WithLogger(l *hlog.Logger) Option            { return func(c *Config) { c.Logger = l } }
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeoutDefault = d }
}
func WithMaxMessageBytes(n int) Option { return func(c *Config) { c.MaxMessageBytes = n } }

func defaultConfig(routerAddress string, peerType envelope.PeerType) Config {
	return Config{
		RouterAddress:         routerAddress,
		PeerType:              peerType,
		HeartbeatInterval:     5 * time.Second,
		RequestTimeoutDefault: 10 * time.Second,
		MaxMessageBytes:       65536,
		Logger:                hlog.Discard(),
	}
}

func randomClientID(peerType envelope.PeerType) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s", peerType, hex.EncodeToString(buf))
}

// pendingSlot is the single-shot result container of spec.md §3 "Pending
// request table", keyed by request_id.
type pendingSlot struct {
	resultCh chan envelope.Message
	errCh    chan error
	once     sync.Once
}

func newPendingSlot() *pendingSlot {
	return &pendingSlot{
		resultCh: make(chan envelope.Message, 1),
		errCh:    make(chan error, 1),
	}
}

func (s *pendingSlot) resolve(msg envelope.Message) {
	s.once.Do(func() { s.resultCh <- msg })
}

func (s *pendingSlot) fail(err error) {
	s.once.Do(func() { s.errCh <- err })
}

// sendJob is one outbound payload queued for the sendLoop goroutine, with
// a single-buffered channel to carry the send's result back to the caller.
type sendJob struct {
	payload  []byte
	resultCh chan error
}

// Client is the peer-side session. A zero-value Client is not usable; use
// New to construct one.
//
// The dealer socket is a single dealer/router endpoint (spec.md §5: "the
// router endpoint is owned by a single task... dealer/router endpoints are
// not safe to share across threads"). receiveLoop is the socket's sole
// reader; sendLoop is its sole writer, fed by sendCh. sendEnvelope,
// heartbeatLoop, and any application goroutine calling Send/Request all
// hand their payload to sendLoop rather than calling c.sock.Send directly,
// mirroring how the teacher's majordomo/client.go funnels all socket I/O
// through its own single loop.
type Client struct {
	cfg  Config
	sock DealerSocket
	log  *hlog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingSlot
	handlers  map[envelope.Kind]Handler
	connected bool

	sendCh   chan sendJob
	stopCh   chan struct{}
	stopOnce sync.Once

	cancel context.CancelFunc
	tasks  *errgroup.Group

	statsMu       sync.Mutex
	sent          uint64
	received      uint64
	connectErrors uint64
}

// New builds a Client that will dial routerAddress and identify itself as
// peerType. If cfg.ClientID is empty, one is auto-generated
// (spec.md §6 "client_id (optional; auto-generated if absent)").
func New(sock DealerSocket, routerAddress string, peerType envelope.PeerType, opts ...Option) (*Client, error) {
	if _, ok := envelope.ValidSender(peerType); !ok {
		return nil, hydraerr.New(hydraerr.ConfigError, "peer.Client",
			"peerType is not a recognized peer type", "peer_type", string(peerType))
	}
	cfg := defaultConfig(routerAddress, peerType)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = randomClientID(peerType)
	}
	if cfg.Logger == nil {
		cfg.Logger = hlog.Discard()
	}
	return &Client{
		cfg:      cfg,
		sock:     sock,
		log:      cfg.Logger,
		pending:  make(map[string]*pendingSlot),
		handlers: make(map[envelope.Kind]Handler),
	}, nil
}

// ClientID returns the peer's stable logical identifier.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// RegisterHandler installs fn for unsolicited inbound messages of kind.
// The default handler for any kind not registered is a no-op.
func (c *Client) RegisterHandler(kind envelope.Kind, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = fn
}

// Connect opens the dealer socket, sends an initial heartbeat, and starts
// the heartbeat and receive background tasks. A second call while
// connected is a no-op (spec.md §4.6 "Idempotent").
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.sock.Dial(c.cfg.RouterAddress); err != nil {
		c.statsMu.Lock()
		c.connectErrors++
		c.statsMu.Unlock()
		return hydraerr.New(hydraerr.ConnectionError, "peer.Client", "dial failed",
			"address", c.cfg.RouterAddress).Wrap(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.tasks = g

	c.mu.Lock()
	c.connected = true
	c.sendCh = make(chan sendJob)
	c.stopCh = make(chan struct{})
	c.stopOnce = sync.Once{}
	c.mu.Unlock()

	g.Go(func() error { return c.sendLoop(gctx) })

	if err := c.sendHeartbeat(); err != nil {
		c.log.Warn("peer: initial heartbeat send failed: %v", err)
	}

	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error { return c.receiveLoop(gctx) })

	return nil
}

// Disconnect cancels background tasks, closes the socket, waits up to a
// bounded grace period for the tasks to exit, and resolves every pending
// request with a cancellation error (spec.md §4.6).
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	cancel := c.cancel
	tasks := c.tasks
	stopOnce := &c.stopOnce
	stopCh := c.stopCh
	c.mu.Unlock()

	stopOnce.Do(func() { close(stopCh) })
	if cancel != nil {
		cancel()
	}
	closeErr := c.sock.Close()
	if tasks != nil {
		const grace = 5 * time.Second
		done := make(chan struct{})
		go func() {
			_ = tasks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			c.log.Warn("peer: disconnect grace period elapsed; abandoning remaining tasks")
		}
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingSlot)
	c.mu.Unlock()
	cancelErr := hydraerr.New(hydraerr.ConnectionError, "peer.Client", "disconnected")
	for _, slot := range pending {
		slot.fail(cancelErr)
	}

	if closeErr != nil {
		return hydraerr.New(hydraerr.ConnectionError, "peer.Client", "socket close failed").Wrap(closeErr)
	}
	return nil
}

// Send converts message to an Envelope and transmits it. Encoding an
// unrecognized kind fails with a FormatError before anything is sent
// (spec.md §4.6).
func (c *Client) Send(message envelope.Message) error {
	env, err := envelope.Encode(c.cfg.PeerType, message)
	if err != nil {
		return err
	}
	env.ClientID = c.cfg.ClientID
	return c.sendEnvelope(env)
}

// sendEnvelope hands payload to sendLoop and waits for the result, rather
// than calling c.sock.Send itself: see the Client doc comment on why the
// socket has exactly one writer goroutine.
func (c *Client) sendEnvelope(env envelope.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return hydraerr.New(hydraerr.FormatError, "peer.Client", "marshal failed").Wrap(err)
	}
	if c.cfg.MaxMessageBytes > 0 && len(payload) > c.cfg.MaxMessageBytes {
		return hydraerr.New(hydraerr.FormatError, "peer.Client", "message exceeds configured size limit",
			"size", len(payload), "limit", c.cfg.MaxMessageBytes)
	}

	c.mu.Lock()
	sendCh, stopCh := c.sendCh, c.stopCh
	c.mu.Unlock()
	if sendCh == nil {
		return hydraerr.New(hydraerr.ConnectionError, "peer.Client", "not connected")
	}

	job := sendJob{payload: payload, resultCh: make(chan error, 1)}
	select {
	case sendCh <- job:
	case <-stopCh:
		return hydraerr.New(hydraerr.ConnectionError, "peer.Client", "disconnected")
	}

	select {
	case err := <-job.resultCh:
		if err != nil {
			return err
		}
	case <-stopCh:
		return hydraerr.New(hydraerr.ConnectionError, "peer.Client", "disconnected")
	}

	c.statsMu.Lock()
	c.sent++
	c.statsMu.Unlock()
	return nil
}

// sendLoop is the dealer socket's sole writer, draining sendCh so that
// every outbound payload is written from this one goroutine (spec.md §5).
func (c *Client) sendLoop(ctx context.Context) error {
	c.mu.Lock()
	sendCh := c.sendCh
	c.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-sendCh:
			if err := c.sock.Send(job.payload); err != nil {
				job.resultCh <- hydraerr.New(hydraerr.ConnectionError, "peer.Client", "send failed").Wrap(err)
				continue
			}
			job.resultCh <- nil
		}
	}
}

func (c *Client) sendHeartbeat() error {
	return c.Send(envelope.Message{Kind: envelope.KindHeartbeat, Data: map[string]any{"status": "alive"}})
}

// Request generates a fresh request_id, registers a pending slot, sends
// the message, and awaits resolution by a matching inbound envelope or a
// TimeoutError, whichever happens first; the slot is removed on either
// exit path (spec.md §4.6, invariant 7).
func (c *Client) Request(ctx context.Context, kind envelope.Kind, data map[string]any, timeout time.Duration) (envelope.Message, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeoutDefault
	}
	reqID := newRequestID()
	slot := newPendingSlot()

	c.mu.Lock()
	c.pending[reqID] = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.Send(envelope.Message{Kind: kind, Data: data, RequestID: reqID}); err != nil {
		return envelope.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-slot.resultCh:
		return msg, nil
	case err := <-slot.errCh:
		return envelope.Message{}, err
	case <-timer.C:
		return envelope.Message{}, hydraerr.New(hydraerr.TimeoutError, "peer.Client",
			"request timed out", "kind", string(kind), "request_id", reqID, "timeout", timeout.String())
	case <-ctx.Done():
		return envelope.Message{}, hydraerr.New(hydraerr.TimeoutError, "peer.Client",
			"request canceled", "kind", string(kind), "request_id", reqID).Wrap(ctx.Err())
	}
}

// QueryRegistry is shorthand for Request(client_registry_request, {}, timeout).
func (c *Client) QueryRegistry(ctx context.Context, timeout time.Duration) (envelope.Message, error) {
	return c.Request(ctx, envelope.KindClientRegistryRequest, map[string]any{}, timeout)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.log.Warn("peer: heartbeat send failed: %v", err)
			}
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context) error {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := c.sock.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			consecutiveErrors++
			c.log.Warn("peer: receive error: %v", err)
			if consecutiveErrors >= 3 {
				c.failAllPending(hydraerr.New(hydraerr.ConnectionError, "peer.Client",
					"repeated receive errors, disconnecting"))
				return nil
			}
			continue
		}
		consecutiveErrors = 0
		if payload == nil {
			continue
		}

		decoded, err := envelope.Unmarshal(payload)
		if err != nil {
			c.log.Warn("peer: dropping unparsable inbound payload: %v", err)
			continue
		}
		m, ok := decoded.(map[string]any)
		if !ok {
			c.log.Warn("peer: dropping non-object inbound payload")
			continue
		}
		env := envelope.FromMap(m)
		msg := envelope.Decode(env)
		if msg.Unknown() {
			c.log.Warn("peer: received unrecognized elem %q, surfacing as unknown kind", msg.RawKind)
		}

		c.statsMu.Lock()
		c.received++
		c.statsMu.Unlock()

		if msg.RequestID != "" {
			c.mu.Lock()
			slot, ok := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ok {
				slot.resolve(msg)
				continue
			}
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg envelope.Message) {
	c.mu.Lock()
	handler := c.handlers[msg.Kind]
	c.mu.Unlock()
	if handler == nil {
		c.log.Debug("peer: no handler registered for kind %q", msg.Kind)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("peer: handler for kind %q panicked: %v", msg.Kind, r)
		}
	}()
	handler(msg)
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]*pendingSlot)
	c.mu.Unlock()
	for _, slot := range pending {
		slot.fail(err)
	}
}

// Run connects, invokes fn, and disconnects on return or context
// cancellation — sugar over Connect/Disconnect (SPEC_FULL.md §9.1
// "Context-manager-style connect/close").
func (c *Client) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Disconnect() }()
	return fn(ctx)
}

// Stats is the peer-side operational snapshot (SPEC_FULL.md §9.1).
type Stats struct {
	Sent          uint64
	Received      uint64
	ConnectErrors uint64
	Connected     bool
}

// Stats returns the client's current operational snapshot.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	sent, received, connectErrors := c.sent, c.received, c.connectErrors
	c.statsMu.Unlock()
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	return Stats{Sent: sent, Received: received, ConnectErrors: connectErrors, Connected: connected}
}
