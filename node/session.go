package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mirage/models"
	"mirage/network"
	"mirage/protocol"
	"mirage/session"
	"mirage/storage"
)

// peerSender resolves the current connection on every send so a session
// survives a reconnect.
type peerSender struct {
	node   *Node
	peerID string
}

func (s peerSender) Send(ctx context.Context, msg any) error {
	return s.node.sendTo(ctx, s.peerID, msg)
}

func (n *Node) session() *activeSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Snapshot returns the state of the open session, or a zero snapshot naming
// only the local peer when none is open.
func (n *Node) Snapshot() models.SessionSnapshot {
	if s := n.session(); s != nil {
		return s.runner.Snapshot()
	}
	return models.SessionSnapshot{LocalID: n.localID}
}

func (n *Node) sessionAllowed(peerID, fingerprint string) bool {
	if !n.config().Security.RequirePairing {
		return true
	}
	return n.pairing.IsTrusted(peerID, fingerprint)
}

// maybeOpenSession opens a session with peerID when this node is the lower
// id of the pair and no session is open. The higher id waits for SessionOpen.
func (n *Node) maybeOpenSession(ctx context.Context, peerID string) {
	if n.opts.DiscoverOnly || n.localID >= peerID || n.session() != nil {
		return
	}
	id := session.NewID(time.Now())
	s := n.startSession(peerID, id, true)
	if s == nil {
		return
	}
	err := n.sendTo(ctx, peerID, &protocol.SessionOpen{
		Type:      protocol.TypeSessionOpen,
		From:      n.localID,
		SessionID: id,
	})
	if err != nil {
		n.logger.Warn("open session failed", zap.String("peer_id", peerID), zap.Error(err))
		n.endSession(s)
	}
}

func (n *Node) handleSessionOpen(ctx context.Context, pc *network.PeerConnection, m *protocol.SessionOpen) {
	peerID := pc.Peer().DeviceID
	if n.opts.DiscoverOnly || !n.sessionAllowed(peerID, pc.Peer().Fingerprint) {
		n.logger.Warn("session refused", zap.String("peer_id", peerID), zap.String("session_id", m.SessionID))
		n.refuseSession(ctx, pc, m.SessionID, "not trusted")
		return
	}

	if current := n.session(); current != nil {
		switch {
		case current.peerID != peerID:
			n.refuseSession(ctx, pc, m.SessionID, "busy")
			return
		case current.id == m.SessionID:
			return
		default:
			// The peer restarted and lost the old session.
			n.logger.Info("session replaced by peer",
				zap.String("peer_id", peerID),
				zap.String("old_session_id", current.id),
				zap.String("session_id", m.SessionID),
			)
			n.endSession(current)
		}
	}
	n.startSession(peerID, m.SessionID, false)
}

func (n *Node) refuseSession(ctx context.Context, pc *network.PeerConnection, sessionID, reason string) {
	err := pc.Send(ctx, &protocol.SessionClose{
		Type:      protocol.TypeSessionClose,
		From:      n.localID,
		SessionID: sessionID,
		Reason:    reason,
	})
	if err != nil {
		n.logger.Debug("send session refusal failed", zap.Error(err))
	}
}

// startSession makes id the active session and runs it. It returns nil when
// another session is active or the node is not running.
func (n *Node) startSession(peerID, id string, opener bool) *activeSession {
	coord := session.NewCoordinator(session.Options{
		SessionID: id,
		LocalID:   n.localID,
		RemoteID:  peerID,
		Config:    sessionConfig(n.config()),
		Logger:    n.opts.Logger,
		Metrics:   n.metrics,
	}, time.Now())
	runner := session.NewRunner(coord, session.RunnerOptions{
		Sender: peerSender{node: n, peerID: peerID},
		Logger: n.opts.Logger,
	})

	n.mu.Lock()
	if n.runCtx == nil || n.runCtx.Err() != nil || n.active != nil {
		n.mu.Unlock()
		return nil
	}
	// The runner outlives the run context so shutdown can still send
	// SessionClose; shutdown cancels it afterwards.
	ctx, cancel := context.WithCancel(context.WithoutCancel(n.runCtx))
	s := &activeSession{peerID: peerID, id: id, runner: runner, cancel: cancel}
	n.active = s
	n.mu.Unlock()

	n.spawn(func(context.Context) { _ = runner.Run(ctx) })
	n.spawn(func(context.Context) { n.watchSession(s) })

	if n.opts.Store != nil {
		err := n.opts.Store.SessionOpened(storage.SessionRecord{ID: id, PeerID: peerID, Opener: opener})
		if err != nil {
			n.logger.Warn("record session failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	n.logger.Info("session opened", zap.String("peer_id", peerID), zap.String("session_id", id))
	n.printf("Session %s opened with %s\n", id, peerID)
	return s
}

// endSession stops s without notifying the peer.
func (n *Node) endSession(s *activeSession) {
	s.cancel()
	n.mu.Lock()
	if n.active == s {
		n.active = nil
	}
	n.mu.Unlock()
}

// watchSession follows the published snapshots of s. A change of generation
// is a completed transfer and starts the edge cooldown.
func (n *Node) watchSession(s *activeSession) {
	defer n.endSession(s)

	var last models.SessionSnapshot
	for {
		select {
		case snap := <-s.runner.Changes():
			if snap.Generation != last.Generation {
				n.edge.NotifyTransferCompleted(time.Now())
			}
			if snap.Holder != last.Holder && snap.State == models.SessionActive {
				switch {
				case snap.LocalHolds():
					n.printf("Input is now forwarded to %s\n", s.peerID)
				case snap.RemoteHolds():
					n.printf("Input is now received from %s\n", s.peerID)
				}
			}
			if snap.State != last.State && snap.State == models.SessionSuspended {
				n.printf("Session with %s suspended: %v\n", s.peerID, session.ErrHeartbeatLost)
			}
			if last.State == models.SessionSuspended && snap.LocalHolds() {
				n.recordSecurity(storage.EventForcedTakeover, storage.SecuritySeverityWarning, s.peerID, map[string]any{
					"session_id": s.id,
					"generation": snap.Generation,
				})
				if n.opts.Store != nil {
					if err := n.opts.Store.SessionTakeover(s.id); err != nil {
						n.logger.Debug("record takeover failed", zap.String("session_id", s.id), zap.Error(err))
					}
				}
			}
			last = snap
		case <-s.runner.Done():
			snap := s.runner.Snapshot()
			n.logger.Info("session closed",
				zap.String("peer_id", s.peerID),
				zap.String("session_id", s.id),
				zap.String("state", string(snap.State)),
			)
			n.printf("Session with %s closed\n", s.peerID)
			n.recordClosed(s, snap)
			if snap.State == models.SessionTerminated {
				n.recordSecurity(storage.EventSessionTerminated, storage.SecuritySeverityInfo, s.peerID, map[string]any{
					"session_id": s.id,
					"generation": snap.Generation,
				})
			}
			return
		}
	}
}

func (n *Node) recordClosed(s *activeSession, snap models.SessionSnapshot) {
	if n.opts.Store == nil {
		return
	}
	reason := "stopped"
	if snap.State == models.SessionTerminated {
		reason = "terminated"
	}
	if err := n.opts.Store.SessionClosed(s.id, snap.Generation, reason, time.Now()); err != nil {
		n.logger.Debug("record session close failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (n *Node) recordSecurity(eventType, severity, peerID string, details map[string]any) {
	if n.opts.Store == nil {
		return
	}
	if err := n.opts.Store.RecordSecurityEvent(eventType, severity, peerID, details); err != nil {
		n.logger.Warn("record security event failed", zap.String("event", eventType), zap.Error(err))
	}
}
