// Package broker implements the Broker Loop (spec.md §4.5): it owns the
// transport router endpoint and the peer registry, runs the
// accept-and-dispatch loop and the periodic prune task, and dispatches the
// routing engine's decisions.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hydrarouter/internal/envelope"
	"hydrarouter/internal/hlog"
	"hydrarouter/internal/hydraerr"
	"hydrarouter/internal/registry"
	"hydrarouter/internal/routing"
	"hydrarouter/internal/validate"
)

// Msg is the narrow shape the broker needs from a transport multipart
// message: a sequence of frames. zmq4.Msg's Frames field has the same
// shape; internal/transport copies it across so this package's types do
// not import zmq4.
type Msg struct {
	Frames [][]byte
}

// RouterSocket is the transport collaborator the broker needs (spec.md §6
// "Transport (consumed)"), narrowed to bind/listen, identity-preserving
// multipart send/recv, and close. *transport.Router, which wraps a
// zmq4 router socket, satisfies this.
type RouterSocket interface {
	Listen(endpoint string) error
	Recv() (Msg, error)
	Send(Msg) error
	Close() error
}

// Config holds the broker's construction-time options (spec.md §6).
type Config struct {
	Address                string
	Port                   int
	ClientTimeout          time.Duration
	MaxClients             int
	HeartbeatCheckInterval time.Duration
	MaxMessageSize         int
	MaxDataSize            int
	Logger                 *hlog.Logger
}

// Option mutates a Config at construction time, mirroring the functional
// options the transport library itself uses for socket construction.
type Option func(*Config)

func WithAddress(addr string) Option    { return func(c *Config) { c.Address = addr } }
func WithPort(port int) Option          { return func(c *Config) { c.Port = port } }
func WithLogger(l *hlog.Logger) Option  { return func(c *Config) { c.Logger = l } }
func WithMaxClients(n int) Option       { return func(c *Config) { c.MaxClients = n } }
func WithMaxMessageSize(n int) Option   { return func(c *Config) { c.MaxMessageSize = n } }
func WithMaxDataSize(n int) Option      { return func(c *Config) { c.MaxDataSize = n } }
func WithClientTimeout(d time.Duration) Option {
	return func(c *Config) { c.ClientTimeout = d }
}
func WithHeartbeatCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatCheckInterval = d }
}

func defaultConfig() Config {
	return Config{
		Address:       "127.0.0.1",
		Port:          5556,
		ClientTimeout: 30 * time.Second,
		MaxClients:    100,
		Logger:        hlog.Discard(),
	}
}

// Endpoint returns the tcp:// endpoint this configuration binds to.
func (c Config) Endpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.Address, c.Port)
}

// Stats is the operational snapshot exposed by Broker.Stats(), a typed
// generalization of the teacher's map[string]interface{} GetStats()
// (see DESIGN.md).
type Stats struct {
	PeerCount      int
	HasServer      bool
	MessagesRouted uint64
	Drops          uint64
	StartedAt      time.Time
}

// sendJob is one outbound frame group queued for the sendLoop goroutine.
type sendJob struct {
	to  string
	env envelope.Envelope
}

// Broker is the routing/session core: transport router + registry +
// validator + routing engine, wired together by the accept-and-dispatch
// and prune loops.
//
// The router socket is a single dealer/router endpoint (spec.md §5: "the
// router endpoint is owned by a single task... dealer/router endpoints are
// not safe to share across threads"). acceptLoop is already the endpoint's
// sole reader; sendLoop is its sole writer, fed by sendCh, mirroring how
// the teacher's majordomo/broker.go single-threads all socket I/O through
// one mediate loop rather than issuing sends from multiple goroutines.
type Broker struct {
	cfg       Config
	sock      RouterSocket
	registry  *registry.Registry
	validator *validate.Validator
	log       *hlog.Logger

	sendCh chan sendJob

	mu             sync.Mutex
	messagesRouted uint64
	drops          uint64
	startedAt      time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Broker bound to sock (not yet listening — call Run to
// listen and serve). Options not given fall back to spec.md §6 defaults.
func New(sock RouterSocket, opts ...Option) *Broker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = pruneInterval(cfg.ClientTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = hlog.Discard()
	}
	return &Broker{
		cfg:       cfg,
		sock:      sock,
		registry:  registry.New(cfg.Logger),
		validator: validate.New(cfg.MaxMessageSize, cfg.MaxDataSize),
		log:       cfg.Logger,
		sendCh:    make(chan sendJob, 256),
		stopCh:    make(chan struct{}),
	}
}

// pruneInterval implements spec.md §4.5: timeout/3, floored at one second.
func pruneInterval(timeout time.Duration) time.Duration {
	iv := timeout / 3
	if iv < time.Second {
		return time.Second
	}
	return iv
}

// Run binds the router endpoint and serves until ctx is canceled, then
// performs a bounded-grace-period shutdown (spec.md §4.5, §5). It returns
// nil on a clean shutdown, or the bind error if Listen fails.
func (b *Broker) Run(ctx context.Context, shutdownGrace time.Duration) error {
	if err := b.sock.Listen(b.cfg.Endpoint()); err != nil {
		return hydraerr.New(hydraerr.ConnectionError, "broker", "listen failed",
			"endpoint", b.cfg.Endpoint()).Wrap(err)
	}
	b.mu.Lock()
	b.startedAt = time.Now()
	b.mu.Unlock()
	b.log.Info("broker listening on %s", b.cfg.Endpoint())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.acceptLoop(gctx) })
	g.Go(func() error { return b.pruneLoop(gctx) })
	g.Go(func() error { return b.sendLoop(gctx) })

	<-gctx.Done()
	b.stopOnce.Do(func() { close(b.stopCh) })

	shutdownErr := b.sock.Close()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			b.log.Warn("broker background task error during shutdown: %v", err)
		}
	case <-time.After(shutdownGrace):
		b.log.Warn("broker shutdown grace period elapsed; abandoning remaining tasks")
	}
	if shutdownErr != nil {
		return hydraerr.New(hydraerr.ConnectionError, "broker", "socket close failed").Wrap(shutdownErr)
	}
	return nil
}

// acceptLoop is the accept-and-dispatch activity of spec.md §4.5. It never
// returns on a malformed single input: every failure path logs and
// continues.
func (b *Broker) acceptLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		default:
		}

		msg, err := b.sock.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			b.log.Warn("broker: recv error: %v", err)
			continue
		}
		b.handleFrames(msg.Frames)
	}
}

func (b *Broker) handleFrames(frames [][]byte) {
	if len(frames) != 2 {
		b.log.Warn("broker: dropping frame group with %d frames, want 2 [identity, payload]", len(frames))
		b.countDrop()
		return
	}
	identity := string(frames[0])
	payload := frames[1]

	decoded, err := envelope.Unmarshal(payload)
	if err != nil {
		b.log.Warn("broker: dropping unparsable JSON from identity=%x: %v", frames[0], err)
		b.countDrop()
		return
	}

	ok, diag := b.validator.Validate(decoded, payload)
	if !ok {
		b.log.Warn("broker: dropping invalid envelope from identity=%x: %s", frames[0], diag.String())
		b.countDrop()
		return
	}

	env := envelope.FromMap(decoded.(map[string]any))
	now := time.Now()

	if b.cfg.MaxClients > 0 && !b.registry.Has(identity) && b.registry.Count() >= b.cfg.MaxClients {
		b.log.Warn("broker: peer capacity reached (%d), rejecting new peer identity=%x", b.cfg.MaxClients, frames[0])
		b.countDrop()
		return
	}

	b.registry.Observe(identity, env.Sender, env.ClientID, now)

	outbound := routing.Decide(env, identity, b.registry, now)
	b.dispatch(outbound)
	b.countRouted()
}

// dispatch queues every outbound action for sendLoop, best-effort per
// recipient: one recipient's send error is logged by sendLoop and does not
// prevent the rest from being attempted (spec.md §4.4 "best-effort
// per-recipient"). It does not itself touch b.sock — see sendLoop.
func (b *Broker) dispatch(outbound []routing.Outbound) {
	for _, o := range outbound {
		select {
		case b.sendCh <- sendJob{to: o.To, env: o.Env}:
		case <-b.stopCh:
			return
		}
	}
}

// sendLoop is the router socket's sole writer, draining sendCh so that
// every outbound frame is written from this one goroutine (spec.md §5).
func (b *Broker) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		case job := <-b.sendCh:
			payload, err := job.env.Marshal()
			if err != nil {
				b.log.Warn("broker: failed to marshal outbound envelope to %x: %v", job.to, err)
				continue
			}
			msg := Msg{Frames: [][]byte{[]byte(job.to), payload}}
			if err := b.sock.Send(msg); err != nil {
				b.log.Warn("broker: send to %x failed (peer not evicted): %v", job.to, err)
			}
		}
	}
}

// pruneLoop is the periodic prune activity of spec.md §4.5.
func (b *Broker) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		case <-ticker.C:
			evicted := b.registry.Prune(time.Now(), b.cfg.ClientTimeout)
			for _, rec := range evicted {
				b.log.Info("broker: evicted peer identity=%s client_id=%q (heartbeat timeout)", rec.IdentityHex(), rec.ClientID)
			}
		}
	}
}

func (b *Broker) countRouted() {
	b.mu.Lock()
	b.messagesRouted++
	b.mu.Unlock()
}

func (b *Broker) countDrop() {
	b.mu.Lock()
	b.drops++
	b.mu.Unlock()
}

// Stats returns the broker's current operational snapshot
// (SPEC_FULL.md §9.1 "Status/diagnostics snapshot").
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, hasServer := b.registry.ServerIdentity()
	return Stats{
		PeerCount:      b.registry.Count(),
		HasServer:      hasServer,
		MessagesRouted: b.messagesRouted,
		Drops:          b.drops,
		StartedAt:      b.startedAt,
	}
}
