package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"mirage/protocol"
)

// Dial connects to a peer, performs the handshake, and returns a ready
// PeerConnection.
func Dial(ctx context.Context, address string, options HandshakeOptions, logger *zap.Logger) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	pc, err := handshakeDialer(conn, opts, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return pc, nil
}

func handshakeDialer(conn net.Conn, opts HandshakeOptions, logger *zap.Logger) (*PeerConnection, error) {
	handshakeCodec := protocol.JSONCodec{}
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	msg, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	challenge, ok := msg.(*protocol.HandshakeChallenge)
	if !ok {
		return nil, fmt.Errorf("%w: expected %q", protocol.ErrInvalidMessageType, protocol.TypeHandshakeChallenge)
	}

	nonce, err := newChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate handshake challenge: %w", err)
	}
	hello, err := buildHello(opts.Identity, protocol.TypeHello, challenge.Nonce, nonce, opts.Codec.Name())
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteMessage(conn, handshakeCodec, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	msg, err = readHandshakeMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello response: %w", err)
	}
	reply, ok := msg.(*protocol.Hello)
	if !ok || reply.Type != protocol.TypeHelloResponse {
		return nil, fmt.Errorf("%w: expected %q", protocol.ErrInvalidMessageType, protocol.TypeHelloResponse)
	}

	peer, err := verifyHello(reply, nonce)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedVersion) || errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("verify hello response: %w", err)
	}
	if err := evaluatePeerKey(peer, opts.KnownKey, opts.OnKeyChangeDecision); err != nil {
		return nil, err
	}
	decode, err := protocol.CodecByName(peer.Codec)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newPeerConnection(conn, peer, opts.Codec, decode, logger.Named("client")), nil
}

// readHandshakeMessage reads one JSON frame and turns a remote error
// message into an error.
func readHandshakeMessage(conn net.Conn) (any, error) {
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(protocol.JSONCodec{}, payload)
	if err != nil {
		return nil, err
	}
	if remote, ok := msg.(*protocol.ErrorMessage); ok {
		if remote.Code == "key_changed" {
			return nil, fmt.Errorf("remote error [%s]: %w", remote.Code, ErrKeyChanged)
		}
		return nil, fmt.Errorf("remote error [%s]: %s", remote.Code, remote.Message)
	}
	return msg, nil
}
