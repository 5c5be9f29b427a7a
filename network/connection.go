package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirage/models"
	"mirage/protocol"
)

// PeerInfo is the authenticated identity of the remote end.
type PeerInfo struct {
	DeviceID    string
	DeviceName  string
	Platform    models.Platform
	PublicKey   ed25519.PublicKey
	Fingerprint string
	// Codec is the encoding the peer writes with.
	Codec   string
	Address string
	Port    int
}

// PeerConnection is an authenticated, framed message stream to one peer.
// Send may be called concurrently. Receive yields decoded protocol structs
// in arrival order.
type PeerConnection struct {
	conn    net.Conn
	peer    PeerInfo
	encode  protocol.Codec
	decode  protocol.Codec
	logger  *zap.Logger
	inbound chan any
	sendMu  sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
	err      error // set before done closes
}

func newPeerConnection(conn net.Conn, peer PeerInfo, encode, decode protocol.Codec, logger *zap.Logger) *PeerConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if peer.Address == "" {
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			peer.Address, peer.Port = tcp.IP.String(), tcp.Port
		}
	}
	pc := &PeerConnection{
		conn:    conn,
		peer:    peer,
		encode:  encode,
		decode:  decode,
		logger:  logger.Named("conn").With(zap.String("peer_id", peer.DeviceID)),
		inbound: make(chan any, 64),
		done:    make(chan struct{}),
	}
	go pc.readLoop()
	return pc
}

// Peer returns the authenticated remote identity.
func (pc *PeerConnection) Peer() PeerInfo {
	return pc.peer
}

// Done is closed once the connection is gone.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.done
}

// Err reports why the connection ended: nil while open or after a clean
// close, the read or write failure otherwise.
func (pc *PeerConnection) Err() error {
	select {
	case <-pc.done:
		return pc.err
	default:
		return nil
	}
}

// Send writes msg as one frame. Without a ctx deadline the write is bounded
// by DefaultWriteTimeout.
func (pc *PeerConnection) Send(ctx context.Context, msg any) error {
	select {
	case <-pc.done:
		return pc.endErr()
	default:
	}
	payload, err := pc.encode.Marshal(msg)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := pc.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := protocol.WriteFrame(pc.conn, payload); err != nil {
		pc.finish(err)
		return err
	}
	return nil
}

// Receive waits for the next message. Messages that arrived before the
// connection ended are still returned.
func (pc *PeerConnection) Receive(ctx context.Context) (any, error) {
	select {
	case msg := <-pc.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.done:
	}
	select {
	case msg := <-pc.inbound:
		return msg, nil
	default:
		return nil, pc.endErr()
	}
}

// Close ends the connection.
func (pc *PeerConnection) Close() error {
	pc.finish(nil)
	return nil
}

func (pc *PeerConnection) endErr() error {
	if pc.err != nil {
		return pc.err
	}
	return io.EOF
}

func (pc *PeerConnection) readLoop() {
	for {
		payload, err := protocol.ReadFrame(pc.conn)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			pc.finish(nil)
			return
		case err != nil:
			pc.finish(fmt.Errorf("read frame: %w", err))
			return
		case len(payload) == 0:
			continue
		}

		msg, err := protocol.Decode(pc.decode, payload)
		if err != nil {
			pc.logger.Debug("undecodable frame dropped", zap.Error(err))
			continue
		}
		select {
		case pc.inbound <- msg:
		case <-pc.done:
			return
		}
	}
}

func (pc *PeerConnection) finish(err error) {
	pc.doneOnce.Do(func() {
		pc.err = err
		_ = pc.conn.Close()
		close(pc.done)
	})
}

// Pipe returns two connected in-memory peer connections. a is the local end
// speaking to remote; b is remote's end. Both use codec.
func Pipe(local, remote PeerInfo, codec protocol.Codec) (a, b *PeerConnection) {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	left, right := net.Pipe()
	a = newPeerConnection(left, remote, codec, codec, nil)
	b = newPeerConnection(right, local, codec, codec, nil)
	return a, b
}
