package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mirage/protocol"
)

// ErrConnectionRateLimited is reported for inbound connections refused by the
// per-host limit.
var ErrConnectionRateLimited = errors.New("network: inbound connection rate limited")

// maxTrackedHosts bounds the per-host limiter table; it is reset when full.
const maxTrackedHosts = 1024

// Handlers receive the outcome of every inbound connection. Either may be
// nil. They run on the connection's handshake goroutine.
type Handlers struct {
	Accepted func(pc *PeerConnection)
	Rejected func(remote net.Addr, err error)
}

// Server authenticates inbound control connections.
type Server struct {
	listener net.Listener
	options  HandshakeOptions
	logger   *zap.Logger
	limits   *hostLimits
}

// Listen binds address. Connections are accepted once Serve runs.
func Listen(address string, options HandshakeOptions, logger *zap.Logger) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return &Server{
		listener: listener,
		options:  opts,
		logger:   logger.Named("server"),
		limits:   newHostLimits(opts.ConnectionsPerSecond, opts.ConnectionBurst),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting. Serve returns once in-flight handshakes finish.
func (s *Server) Close() error {
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Serve accepts connections until ctx is done or the server is closed, and
// runs the handshake for each on its own goroutine.
func (s *Server) Serve(ctx context.Context, h Handlers) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	var handshakes sync.WaitGroup
	defer handshakes.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.limits.allow(conn.RemoteAddr()) {
			s.logger.Warn("inbound connection rate limited", zap.Stringer("remote_addr", conn.RemoteAddr()))
			_ = conn.Close()
			h.rejected(conn.RemoteAddr(), ErrConnectionRateLimited)
			continue
		}

		handshakes.Add(1)
		go func() {
			defer handshakes.Done()
			pc, err := s.accept(conn)
			if err != nil {
				_ = conn.Close()
				s.logger.Debug("inbound handshake failed", zap.Stringer("remote_addr", conn.RemoteAddr()), zap.Error(err))
				h.rejected(conn.RemoteAddr(), err)
				return
			}
			if ctx.Err() != nil {
				_ = pc.Close()
				return
			}
			if h.Accepted == nil {
				_ = pc.Close()
				return
			}
			h.Accepted(pc)
		}()
	}
}

func (h Handlers) rejected(remote net.Addr, err error) {
	if h.Rejected != nil {
		h.Rejected(remote, err)
	}
}

// accept runs the listening side of the handshake: send a challenge, verify
// the dialer's signed hello, then answer its nonce with a signed hello of our
// own.
func (s *Server) accept(conn net.Conn) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challenge, err := newChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate handshake challenge: %w", err)
	}
	err = writeHandshake(conn, &protocol.HandshakeChallenge{Type: protocol.TypeHandshakeChallenge, Nonce: challenge})
	if err != nil {
		return nil, fmt.Errorf("write handshake challenge: %w", err)
	}

	msg, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok || hello.Type != protocol.TypeHello {
		return nil, s.refuse(conn, "unexpected_message", fmt.Errorf("%w: expected %q", protocol.ErrInvalidMessageType, protocol.TypeHello))
	}

	peer, err := verifyHello(hello, challenge)
	if err != nil {
		return nil, s.refuse(conn, "handshake_failed", fmt.Errorf("verify hello: %w", err))
	}
	if err := evaluatePeerKey(peer, s.options.KnownKey, s.options.OnKeyChangeDecision); err != nil {
		return nil, s.refuse(conn, "key_changed", err)
	}
	decode, err := protocol.CodecByName(peer.Codec)
	if err != nil {
		return nil, s.refuse(conn, "unsupported_codec", err)
	}

	reply, err := buildHello(s.options.Identity, protocol.TypeHelloResponse, hello.Nonce, "", s.options.Codec.Name())
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(conn, reply); err != nil {
		return nil, fmt.Errorf("write hello response: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	s.logger.Debug("inbound peer authenticated", zap.String("peer_id", peer.DeviceID), zap.String("fingerprint", peer.Fingerprint))
	return newPeerConnection(conn, peer, s.options.Codec, decode, s.logger), nil
}

// refuse tells the dialer why its handshake failed and returns err.
func (s *Server) refuse(conn net.Conn, code string, err error) error {
	_ = writeHandshake(conn, remoteError(code, err.Error()))
	return err
}

func writeHandshake(conn net.Conn, msg any) error {
	return protocol.WriteMessage(conn, protocol.JSONCodec{}, msg)
}

// hostLimits applies one token bucket per remote host.
type hostLimits struct {
	perSecond rate.Limit
	burst     int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

func newHostLimits(perSecond float64, burst int) *hostLimits {
	if perSecond <= 0 {
		return nil
	}
	return &hostLimits{perSecond: rate.Limit(perSecond), burst: burst, hosts: make(map[string]*rate.Limiter)}
}

func (l *hostLimits) allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.hosts[host]
	if !ok {
		if len(l.hosts) >= maxTrackedHosts {
			clear(l.hosts)
		}
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.hosts[host] = limiter
	}
	return limiter.Allow()
}
