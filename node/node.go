// Package node ties discovery, pairing, the control channel, the ownership
// session and the input path of one device together.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mirage/config"
	"mirage/crypto"
	"mirage/discovery"
	"mirage/edge"
	"mirage/input"
	"mirage/metrics"
	"mirage/models"
	"mirage/network"
	"mirage/pairing"
	"mirage/protocol"
	"mirage/router"
	"mirage/session"
	"mirage/storage"
)

const (
	tickInterval        = 10 * time.Millisecond
	expireInterval      = time.Second
	captureRestartDelay = time.Second
	closeTimeout        = time.Second
)

var (
	// ErrNotRunning is returned by operations that need Run to be active.
	ErrNotRunning = errors.New("node: not running")
	// ErrNoSession is returned by session commands when no session is open.
	ErrNoSession = errors.New("node: no active session")
	// ErrNotConnected is returned when no control connection to a peer exists.
	ErrNotConnected = errors.New("node: peer not connected")
	// ErrNoDiscovery is returned by Scan when discovery is not running.
	ErrNoDiscovery = errors.New("node: discovery is not running")
)

// Options configures a Node.
type Options struct {
	Config   *config.Config
	Identity *crypto.Identity
	// Store persists trust. Nil keeps trust in memory for the process lifetime.
	Store *storage.Store
	// Discovery announces and scans via mDNS. Nil disables it; the peer
	// table then only changes through connections.
	Discovery *discovery.Service
	Capture   input.Capture
	Injector  input.Injector
	// ListenAddress is the control channel address. Empty disables the listener.
	ListenAddress string
	// Gatherer backs the metrics endpoint when Config.Metrics.Address is set.
	Gatherer prometheus.Gatherer
	// DiscoverOnly keeps discovery running but never opens sessions.
	DiscoverOnly bool
	Out          io.Writer
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type peerConn struct {
	*network.PeerConnection
	outbound bool
}

type activeSession struct {
	peerID string
	id     string
	runner *session.Runner
	cancel context.CancelFunc
}

// Node is one device taking part in input sharing.
type Node struct {
	opts      Options
	localID   string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	pairing   *pairing.Manager
	table     *discovery.Table
	edge      *edge.Detector
	router    *router.Router
	handshake network.HandshakeOptions

	cfgMu  sync.RWMutex
	cfg    *config.Config
	shaper input.Shaper

	outMu sync.Mutex
	// injectMu spans router admission and injection so events reach the
	// injector in the order the router releases them.
	injectMu sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	wg      sync.WaitGroup
	conns   map[string]*peerConn
	active  *activeSession
	redials map[string]context.CancelFunc
	codes   map[string]string
	// fenced is the last stale generation recorded as a security event.
	fenced uint64
}

// New wires a Node from opts. Nothing runs until Run.
func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node: config is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("node: identity is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Capture == nil {
		opts.Capture = input.Null{}
	}
	if opts.Injector == nil {
		opts.Injector = input.LogInjector{Logger: opts.Logger}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	cfg := opts.Config
	n := &Node{
		opts:    opts,
		localID: cfg.Identity.DeviceID,
		logger:  opts.Logger.Named("node"),
		metrics: opts.Metrics,
		cfg:     cfg,
		shaper:  shaperConfig(cfg),
		conns:   make(map[string]*peerConn),
		redials: make(map[string]context.CancelFunc),
		codes:   make(map[string]string),
	}

	pairingOpts := pairing.Options{
		LocalID:         n.localID,
		Identity:        opts.Identity,
		ExchangeTimeout: seconds(cfg.Security.PairingTimeoutSeconds),
		MaxFailures:     cfg.Security.MaxPairingFailures,
		LockoutBase:     seconds(cfg.Security.LockoutBaseSeconds),
		LockoutMax:      seconds(cfg.Security.LockoutMaxSeconds),
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	}
	if opts.Store != nil {
		pairingOpts.Store = opts.Store
	}
	manager, err := pairing.NewManager(pairingOpts)
	if err != nil {
		return nil, fmt.Errorf("create pairing manager: %w", err)
	}
	n.pairing = manager

	if opts.Discovery != nil {
		n.table = opts.Discovery.Scanner.Table()
	} else {
		subnets, err := cfg.Subnets()
		if err != nil {
			return nil, err
		}
		n.table = discovery.NewTable(discovery.Config{
			SelfDeviceID:     n.localID,
			AnnounceInterval: cfg.AnnounceInterval(),
			MissedIntervals:  cfg.Discovery.MissedIntervals,
			BeaconsPerSecond: cfg.Discovery.BeaconsPerSecond,
			AllowedSubnets:   subnets,
			Logger:           opts.Logger,
		})
	}

	n.edge = edge.NewDetector(edgeConfig(cfg))
	n.router = router.New(router.Options{
		LocalID:  n.localID,
		Snapshot: n.Snapshot,
		Config:   routerConfig(cfg),
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})

	codec, err := protocol.CodecByName(cfg.Network.WireCodec)
	if err != nil {
		return nil, err
	}
	n.handshake = network.HandshakeOptions{
		Identity: network.LocalIdentity{
			DeviceID:   n.localID,
			DeviceName: cfg.Host.Name,
			Platform:   models.ParsePlatform(runtime.GOOS),
			Keys:       opts.Identity,
		},
		Codec:                codec,
		KnownKey:             n.knownKey,
		OnKeyChangeDecision:  n.onKeyChange,
		ConnectionsPerSecond: 2,
		ConnectionBurst:      4,
	}
	return n, nil
}

// LocalID returns the device id of this node.
func (n *Node) LocalID() string {
	return n.localID
}

// Run starts every loop of the node and blocks until ctx is cancelled or a
// loop fails. Connections and sessions are closed before it returns.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	n.mu.Lock()
	if n.runCtx != nil {
		n.mu.Unlock()
		return errors.New("node: already running")
	}
	n.runCtx = gctx
	n.mu.Unlock()

	if n.opts.ListenAddress != "" {
		server, err := network.Listen(n.opts.ListenAddress, n.handshake, n.opts.Logger)
		if err != nil {
			return fmt.Errorf("start control listener: %w", err)
		}
		n.logger.Info("control channel listening", zap.String("address", server.Addr().String()))
		g.Go(func() error { return n.serverLoop(gctx, server) })
	}
	if n.opts.Discovery != nil {
		g.Go(func() error { return n.opts.Discovery.Run(gctx) })
	}
	g.Go(func() error { return n.discoveryLoop(gctx) })
	g.Go(func() error { return n.captureLoop(gctx) })
	g.Go(func() error { return n.tickLoop(gctx) })
	if address := n.config().Metrics.Address; address != "" && n.opts.Gatherer != nil {
		g.Go(func() error { return metrics.Serve(gctx, address, n.opts.Gatherer) })
	}

	err := g.Wait()
	n.shutdown()
	n.wg.Wait()
	return err
}

// ApplyConfig takes a reloaded config into use. Timings of an open session
// keep their values until the next session.
func (n *Node) ApplyConfig(old, updated *config.Config) {
	n.cfgMu.Lock()
	n.cfg = updated
	n.shaper = shaperConfig(updated)
	n.cfgMu.Unlock()

	n.edge.UpdateConfig(edgeConfig(updated))
	n.router.UpdateConfig(routerConfig(updated))
	n.logger.Info("configuration applied",
		zap.Strings("edges", updated.Host.Edges),
		zap.String("gap_policy", updated.Router.GapPolicy),
		zap.Bool("require_pairing", updated.Security.RequirePairing),
	)
	if old != nil && old.Security.RequirePairing != updated.Security.RequirePairing {
		n.logger.Warn("pairing requirement changed; applies to new sessions")
	}
}

func (n *Node) config() *config.Config {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return n.cfg
}

func (n *Node) currentShaper() input.Shaper {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return n.shaper
}

// spawn runs fn on the node's run context. It reports false when Run is not
// active.
func (n *Node) spawn(fn func(ctx context.Context)) bool {
	n.mu.Lock()
	ctx := n.runCtx
	if ctx == nil || ctx.Err() != nil {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		fn(ctx)
	}()
	return true
}

func (n *Node) shutdown() {
	n.mu.Lock()
	active := n.active
	conns := make([]*peerConn, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	for _, cancel := range n.redials {
		cancel()
	}
	n.mu.Unlock()

	if active != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := active.runner.Disconnect(ctx, "shutdown"); err != nil {
			n.logger.Debug("session close on shutdown failed", zap.Error(err))
		}
		cancel()
		active.cancel()
	}
	for _, pc := range conns {
		_ = pc.Close()
	}
}

func (n *Node) serverLoop(ctx context.Context, server *network.Server) error {
	return server.Serve(ctx, network.Handlers{
		Accepted: func(pc *network.PeerConnection) {
			if err := n.Attach(pc, false); err != nil {
				_ = pc.Close()
			}
		},
		Rejected: func(remote net.Addr, err error) {
			n.logger.Debug("inbound connection refused", zap.Stringer("remote_addr", remote), zap.Error(err))
		},
	})
}

func (n *Node) captureLoop(ctx context.Context) error {
	for {
		for ev := range n.opts.Capture.ReadEvents(ctx) {
			n.handleLocalEvent(ctx, ev)
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(captureRestartDelay):
		}
	}
}

func (n *Node) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var lastExpire time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if intent := n.edge.Tick(now); intent != nil {
				n.onIntent(ctx, intent)
			}
			n.flushInput(ctx, now)
			if now.Sub(lastExpire) >= expireInterval {
				lastExpire = now
				for _, peerID := range n.pairing.Expire(now) {
					n.clearCode(peerID)
					n.printf("Pairing with %s timed out\n", peerID)
				}
			}
		}
	}
}

func (n *Node) handleLocalEvent(ctx context.Context, ev models.RawEvent) {
	// The detector shares the tick loop's clock, not the capture timestamps.
	if ev.Kind == models.EventMove {
		if intent := n.edge.Observe(ev.Payload.X, ev.Payload.Y, time.Now()); intent != nil {
			n.onIntent(ctx, intent)
		}
	}

	wire, ok := n.router.Stamp(ev)
	if !ok {
		return
	}
	s := n.session()
	if s == nil {
		return
	}
	if err := n.sendTo(ctx, s.peerID, wire); err != nil {
		n.logger.Debug("forward input event failed", zap.Uint64("seq", wire.Seq), zap.Error(err))
	}
}

func (n *Node) onIntent(ctx context.Context, intent *edge.Intent) {
	s := n.session()
	if s == nil {
		n.logger.Debug("edge crossed without a session", zap.String("edge", string(intent.Edge)))
		return
	}
	if s.runner.Snapshot().LocalHolds() {
		return
	}
	n.logger.Info("edge crossed, requesting ownership",
		zap.String("edge", string(intent.Edge)),
		zap.String("peer_id", s.peerID),
	)
	if err := s.runner.LocalIntent(ctx); err != nil {
		n.logger.Debug("ownership request not sent", zap.Error(err))
	}
}

func (n *Node) handleInputEvent(ctx context.Context, ev *protocol.InputEvent) {
	n.injectMu.Lock()
	ready, err := n.router.Admit(ev, time.Now())
	for _, admitted := range ready {
		n.inject(ctx, admitted)
	}
	n.injectMu.Unlock()

	if errors.Is(err, router.ErrStaleGeneration) && n.noteFenced(ev.Generation) {
		n.recordSecurity(storage.EventFencingViolation, storage.SecuritySeverityWarning, ev.From, map[string]any{
			"session_id": ev.SessionID,
			"generation": ev.Generation,
		})
	}
	if err != nil {
		n.logger.Debug("input event dropped",
			zap.Uint64("generation", ev.Generation),
			zap.Uint64("seq", ev.Seq),
			zap.Error(err),
		)
	}
}

// flushInput injects events whose reorder window has run out.
func (n *Node) flushInput(ctx context.Context, now time.Time) {
	n.injectMu.Lock()
	defer n.injectMu.Unlock()
	for _, ev := range n.router.Flush(now) {
		n.inject(ctx, ev)
	}
}

// noteFenced reports whether generation is newly seen as stale. Events in
// flight across a transfer all carry the same old generation.
func (n *Node) noteFenced(generation uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if generation == n.fenced {
		return false
	}
	n.fenced = generation
	return true
}

func (n *Node) inject(ctx context.Context, ev *protocol.InputEvent) {
	raw := n.currentShaper().Apply(input.FromWire(ev))
	if err := n.opts.Injector.Inject(ctx, raw); err != nil {
		n.logger.Warn("inject input event failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}

func (n *Node) printf(format string, args ...any) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	_, _ = fmt.Fprintf(n.opts.Out, format, args...)
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func edgeConfig(cfg *config.Config) edge.Config {
	return edge.Config{
		Width:     cfg.Host.ScreenWidth,
		Height:    cfg.Host.ScreenHeight,
		Threshold: cfg.Host.DisplayEdgeThreshold,
		Edges:     cfg.ScreenEdges(),
		Dwell:     cfg.Dwell(),
		Cooldown:  cfg.Cooldown(),
	}
}

func routerConfig(cfg *config.Config) router.Config {
	return router.Config{
		GapPolicy:     cfg.Router.GapPolicy,
		ReorderWait:   cfg.ReorderWait(),
		ReorderBuffer: cfg.Router.ReorderBuffer,
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		GracePeriod:       cfg.GracePeriod(),
		TransferTimeout:   cfg.TransferTimeout(),
		TransferRetries:   cfg.Session.TransferRetries,
		SessionTimeout:    cfg.SessionTimeout(),
	}
}

func shaperConfig(cfg *config.Config) input.Shaper {
	return input.Shaper{
		Acceleration: cfg.Input.MouseAcceleration,
		SmoothScroll: cfg.Input.EnableSmoothScroll,
	}
}
