package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mirage/discovery"
	"mirage/models"
	"mirage/network"
	"mirage/pairing"
	"mirage/protocol"
	"mirage/storage"
)

const (
	redialInitialInterval = 500 * time.Millisecond
	redialMaxInterval     = 30 * time.Second
	redialMaxElapsed      = 5 * time.Minute
)

// Attach takes over an authenticated connection and serves it until it
// closes. Outbound marks connections this node dialed.
func (n *Node) Attach(pc *network.PeerConnection, outbound bool) error {
	if !n.spawn(func(ctx context.Context) { n.serve(ctx, pc, outbound) }) {
		return ErrNotRunning
	}
	return nil
}

func (n *Node) serve(ctx context.Context, pc *network.PeerConnection, outbound bool) {
	peerID := pc.Peer().DeviceID
	n.register(pc, outbound)
	n.logger.Info("peer connected",
		zap.String("peer_id", peerID),
		zap.String("address", pc.Peer().Address),
		zap.Bool("outbound", outbound),
	)
	n.afterConnect(ctx, pc)

	for {
		msg, err := pc.Receive(ctx)
		if err != nil {
			break
		}
		n.dispatch(ctx, pc, outbound, msg)
	}

	_ = pc.Close()
	if !n.unregister(pc) {
		return
	}
	n.logger.Info("peer disconnected", zap.String("peer_id", peerID), zap.Error(pc.Err()))
	if s := n.session(); ctx.Err() == nil && s != nil && s.peerID == peerID && n.localID < peerID {
		n.startRedial(peerID)
	}
}

func (n *Node) register(pc *network.PeerConnection, outbound bool) {
	peerID := pc.Peer().DeviceID
	n.mu.Lock()
	existing := n.conns[peerID]
	n.conns[peerID] = &peerConn{PeerConnection: pc, outbound: outbound}
	cancelRedial := n.redials[peerID]
	n.mu.Unlock()

	if existing != nil && existing.PeerConnection != pc {
		_ = existing.Close()
	}
	if cancelRedial != nil {
		cancelRedial()
	}
}

// unregister drops pc if it is still the registered connection of its peer.
func (n *Node) unregister(pc *network.PeerConnection) bool {
	peerID := pc.Peer().DeviceID
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.conns[peerID]; ok && current.PeerConnection == pc {
		delete(n.conns, peerID)
		return true
	}
	return false
}

func (n *Node) connFor(peerID string) *peerConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[peerID]
}

func (n *Node) sendTo(ctx context.Context, peerID string, msg any) error {
	pc := n.connFor(peerID)
	if pc == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return pc.Send(ctx, msg)
}

func (n *Node) afterConnect(ctx context.Context, pc *network.PeerConnection) {
	info := pc.Peer()
	if n.sessionAllowed(info.DeviceID, info.Fingerprint) {
		n.maybeOpenSession(ctx, info.DeviceID)
		return
	}
	n.printf("Connected to %s (%s), not trusted. Pair with: pair %s\n", info.DeviceName, info.DeviceID, info.DeviceID)
}

func (n *Node) dispatch(ctx context.Context, pc *network.PeerConnection, outbound bool, msg any) {
	peerID := pc.Peer().DeviceID
	if sender := protocol.Sender(msg); sender != "" && sender != peerID {
		n.logger.Warn("message sender does not match connection",
			zap.String("peer_id", peerID),
			zap.String("from", sender),
		)
		n.metrics.Event("rejected_sender")
		return
	}

	switch m := msg.(type) {
	case *protocol.PairingInit:
		n.handlePairingInit(ctx, pc, outbound, m)
	case *protocol.PairingConfirm:
		n.handlePairingConfirm(ctx, pc, m)
	case *protocol.PairingResult:
		n.handlePairingResult(ctx, pc, m)
	case *protocol.SessionOpen:
		n.handleSessionOpen(ctx, pc, m)
	case *protocol.InputEvent:
		n.handleInputEvent(ctx, m)
	case *protocol.TransferRequest, *protocol.TransferAck, *protocol.TransferNack,
		*protocol.Heartbeat, *protocol.Liveness, *protocol.SessionClose:
		if s := n.session(); s != nil && s.peerID == peerID {
			if err := s.runner.Deliver(ctx, msg); err != nil {
				n.logger.Debug("session message not delivered", zap.Error(err))
			}
		}
	case *protocol.ErrorMessage:
		n.logger.Warn("peer reported error",
			zap.String("peer_id", peerID),
			zap.String("code", m.Code),
			zap.String("message", m.Message),
		)
	default:
		n.logger.Debug("unexpected message ignored", zap.String("peer_id", peerID), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// peerModel describes the remote end of pc for pairing. The listening port
// comes from the peer table; for outbound connections the dialed port is the
// listening port.
func (n *Node) peerModel(pc *network.PeerConnection, outbound bool) models.Peer {
	info := pc.Peer()
	if peer, ok := n.table.Get(info.DeviceID); ok {
		peer.KeyFingerprint = info.Fingerprint
		return peer
	}
	peer := models.Peer{
		DeviceID:       info.DeviceID,
		DeviceName:     info.DeviceName,
		Platform:       info.Platform,
		Address:        info.Address,
		KeyFingerprint: info.Fingerprint,
		LastSeen:       time.Now(),
	}
	if outbound {
		peer.Port = info.Port
	}
	return peer
}

func (n *Node) handlePairingInit(ctx context.Context, pc *network.PeerConnection, outbound bool, m *protocol.PairingInit) {
	peerID := pc.Peer().DeviceID
	if !bytes.Equal(m.IdentityKey, pc.Peer().PublicKey) {
		n.logger.Warn("pairing identity differs from handshake identity", zap.String("peer_id", peerID))
		n.reject(ctx, peerID, "identity mismatch")
		return
	}

	reply, code, err := n.pairing.HandlePairingInit(n.peerModel(pc, outbound), m, time.Now())
	if err != nil {
		n.pairingFailed(ctx, peerID, err)
		if !errors.Is(err, pairing.ErrRateLimited) {
			n.reject(ctx, peerID, err.Error())
		}
		return
	}
	if reply != nil {
		if err := pc.Send(ctx, reply); err != nil {
			n.logger.Warn("send pairing init failed", zap.String("peer_id", peerID), zap.Error(err))
			n.pairing.Cancel(peerID)
			return
		}
	}
	n.setCode(peerID, code)
	n.printf("Pairing code for %s: %s\nConfirm with: confirm %s <code>\n", pc.Peer().DeviceName, code, peerID)
}

func (n *Node) handlePairingConfirm(ctx context.Context, pc *network.PeerConnection, m *protocol.PairingConfirm) {
	peerID := pc.Peer().DeviceID
	result, state, err := n.pairing.HandlePairingConfirm(peerID, m, time.Now())
	if result != nil {
		if sendErr := pc.Send(ctx, result); sendErr != nil {
			n.logger.Warn("send pairing result failed", zap.String("peer_id", peerID), zap.Error(sendErr))
		}
	}
	if err != nil {
		n.pairingFailed(ctx, peerID, err)
		return
	}
	if state == pairing.StateTrusted {
		n.onTrusted(ctx, peerID)
	}
}

func (n *Node) handlePairingResult(ctx context.Context, pc *network.PeerConnection, m *protocol.PairingResult) {
	peerID := pc.Peer().DeviceID
	state, err := n.pairing.HandlePairingResult(peerID, m, time.Now())
	if err != nil {
		if errors.Is(err, pairing.ErrNoExchange) {
			n.logger.Debug("pairing result without exchange", zap.String("peer_id", peerID), zap.Bool("accepted", m.Accepted))
			return
		}
		n.pairingFailed(ctx, peerID, err)
		return
	}
	if state == pairing.StateTrusted {
		n.onTrusted(ctx, peerID)
	}
}

func (n *Node) reject(ctx context.Context, peerID, reason string) {
	err := n.sendTo(ctx, peerID, &protocol.PairingResult{
		Type:     protocol.TypePairingResult,
		From:     n.localID,
		Accepted: false,
		Reason:   reason,
	})
	if err != nil {
		n.logger.Debug("send pairing rejection failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

// onTrusted runs once per exchange; later results for the same exchange
// find no pending code.
func (n *Node) onTrusted(ctx context.Context, peerID string) {
	if !n.clearCode(peerID) {
		return
	}
	n.table.SetTrust(peerID, models.TrustTrusted)
	n.printf("Peer %s is now trusted\n", peerID)
	n.maybeOpenSession(ctx, peerID)
}

func (n *Node) pairingFailed(ctx context.Context, peerID string, err error) {
	n.clearCode(peerID)
	n.logger.Warn("pairing failed", zap.String("peer_id", peerID), zap.Error(err))
	n.printf("Pairing with %s failed: %v\n", peerID, err)

	if !n.pairing.LockedOut(peerID, time.Now()) {
		return
	}
	n.printf("Pairing with %s is locked out\n", peerID)
	if s := n.session(); s != nil && s.peerID == peerID {
		if err := s.runner.Disconnect(ctx, "pairing locked out"); err != nil {
			n.logger.Debug("close locked out session failed", zap.Error(err))
		}
	}
}

func (n *Node) setCode(peerID, code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[peerID] = code
}

func (n *Node) clearCode(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.codes[peerID]
	delete(n.codes, peerID)
	return ok
}

// PendingCode returns the pairing code currently displayed for peerID.
func (n *Node) PendingCode(peerID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	code, ok := n.codes[peerID]
	return code, ok
}

func (n *Node) knownKey(deviceID string) (string, bool) {
	if n.opts.Store == nil {
		return "", false
	}
	peer, err := n.opts.Store.GetPeer(deviceID)
	if err != nil || peer.Trust != models.TrustTrusted {
		return "", false
	}
	return peer.Fingerprint, true
}

// onKeyChange lets the connection through so the peer can re-pair; sessions
// stay closed until the new key is trusted.
func (n *Node) onKeyChange(deviceID, pinned, received string) bool {
	if _, err := n.pairing.CheckFingerprint(deviceID, received); err != nil {
		n.logger.Warn("peer presented a new key",
			zap.String("peer_id", deviceID),
			zap.String("pinned", pinned),
			zap.String("received", received),
		)
	}
	n.printf("Peer %s presented a new key. Pair again to trust it.\n", deviceID)
	return true
}

func (n *Node) discoveryLoop(ctx context.Context) error {
	evict := time.NewTicker(time.Second)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.table.Events():
			n.handleDiscovery(ctx, ev)
		case now := <-evict.C:
			// The scanner evicts on its own schedule; a table without one
			// relies on this.
			if n.opts.Discovery == nil {
				n.table.Evict(now)
			}
		}
	}
}

func (n *Node) handleDiscovery(ctx context.Context, ev discovery.Event) {
	defer n.metrics.SetPeers(n.table.Len())
	peer := ev.Peer

	switch ev.Type {
	case discovery.EventPeerDiscovered, discovery.EventPeerUpdated:
		trust, err := n.pairing.CheckFingerprint(peer.DeviceID, peer.KeyFingerprint)
		n.table.SetTrust(peer.DeviceID, trust)
		if err != nil {
			n.logger.Warn("announced fingerprint differs from pinned key", zap.String("peer_id", peer.DeviceID), zap.Error(err))
			return
		}
		if trust == models.TrustTrusted && n.opts.Store != nil {
			if err := n.opts.Store.UpdatePeerEndpoint(peer.DeviceID, peer.Address, peer.Port, peer.LastSeen); err != nil && !errors.Is(err, storage.ErrNotFound) {
				n.logger.Debug("update peer endpoint failed", zap.String("peer_id", peer.DeviceID), zap.Error(err))
			}
		}
		if ev.Type == discovery.EventPeerDiscovered {
			n.printf("Discovered %s (%s) at %s:%d [%s]\n", peer.DeviceName, peer.DeviceID, peer.Address, peer.Port, trust)
		}
		if trust == models.TrustTrusted || !n.config().Security.RequirePairing {
			if !n.opts.DiscoverOnly && n.localID < peer.DeviceID && n.connFor(peer.DeviceID) == nil {
				n.startRedial(peer.DeviceID)
			}
		}
	case discovery.EventPeerLost:
		n.logger.Info("peer lost", zap.String("peer_id", peer.DeviceID), zap.Error(ev.Err))
		n.printf("Lost %s (%s)\n", peer.DeviceName, peer.DeviceID)
	}
}

// resolveAddress finds a dialable endpoint for peerID, preferring the live
// peer table over the last persisted endpoint.
func (n *Node) resolveAddress(peerID string) (string, error) {
	if peer, ok := n.table.Get(peerID); ok && peer.Address != "" && peer.Port > 0 {
		return net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port)), nil
	}
	if n.opts.Store != nil {
		if stored, err := n.opts.Store.GetPeer(peerID); err == nil {
			if endpoint, ok := stored.Endpoint(); ok {
				return endpoint, nil
			}
		}
	}
	return "", fmt.Errorf("no known endpoint for %s", peerID)
}

func (n *Node) dial(ctx context.Context, peerID string) (*network.PeerConnection, error) {
	address, err := n.resolveAddress(peerID)
	if err != nil {
		return nil, err
	}
	pc, err := network.Dial(ctx, address, n.handshake, n.opts.Logger)
	if err != nil {
		return nil, err
	}
	if got := pc.Peer().DeviceID; got != peerID {
		_ = pc.Close()
		return nil, fmt.Errorf("dialed %s but reached %s", peerID, got)
	}
	if err := n.Attach(pc, true); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return pc, nil
}

// startRedial dials peerID in the background with exponential backoff until a
// connection exists. At most one redial per peer runs at a time.
func (n *Node) startRedial(peerID string) {
	n.mu.Lock()
	if _, running := n.redials[peerID]; running || n.runCtx == nil {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(n.runCtx)
	n.redials[peerID] = cancel
	n.mu.Unlock()

	started := n.spawn(func(context.Context) {
		defer func() {
			n.mu.Lock()
			delete(n.redials, peerID)
			n.mu.Unlock()
			cancel()
		}()

		schedule := backoff.NewExponentialBackOff()
		schedule.InitialInterval = redialInitialInterval
		schedule.MaxInterval = redialMaxInterval
		schedule.MaxElapsedTime = redialMaxElapsed

		attempt := 0
		err := backoff.Retry(func() error {
			if n.connFor(peerID) != nil {
				return nil
			}
			attempt++
			_, err := n.dial(ctx, peerID)
			if errors.Is(err, network.ErrKeyChanged) {
				return backoff.Permanent(err)
			}
			if err != nil {
				n.logger.Debug("dial failed", zap.String("peer_id", peerID), zap.Int("attempt", attempt), zap.Error(err))
			}
			return err
		}, backoff.WithContext(schedule, ctx))
		if err != nil && ctx.Err() == nil {
			n.logger.Warn("giving up on peer", zap.String("peer_id", peerID), zap.Int("attempts", attempt), zap.Error(err))
		}
	})
	if !started {
		n.mu.Lock()
		delete(n.redials, peerID)
		n.mu.Unlock()
		cancel()
	}
}
