package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"mirage/crypto"
	"mirage/models"
	"mirage/network"
	"mirage/pairing"
	"mirage/protocol"
)

const commandHelp = `Commands:
  peers                     list discovered peers
  scan                      browse for peers now
  status                    show the session state
  pair <peer-id>            start pairing with a peer
  confirm <peer-id> <code>  confirm the code shown on both screens
  connect <peer-id>         connect and open a session
  release                   hand input to the remote peer
  disconnect                close the session
  help                      show this help
`

// Pair connects to peerID if needed and starts a pairing exchange.
func (n *Node) Pair(ctx context.Context, peerID string) error {
	pc, outbound, err := n.connection(ctx, peerID)
	if err != nil {
		return err
	}
	init, err := n.pairing.InitiatePairing(n.peerModel(pc, outbound), time.Now())
	if err != nil {
		return err
	}
	if err := pc.Send(ctx, init); err != nil {
		n.pairing.Cancel(peerID)
		return fmt.Errorf("send pairing init: %w", err)
	}
	n.printf("Pairing request sent to %s\n", peerID)
	return nil
}

// Confirm checks the code the user read off both screens. A mismatch ends
// the exchange on both sides.
func (n *Node) Confirm(ctx context.Context, peerID, code string) error {
	confirm, state, err := n.pairing.ConfirmCode(peerID, strings.TrimSpace(code), time.Now())
	if err != nil {
		if errors.Is(err, pairing.ErrPairingRejected) {
			n.reject(ctx, peerID, "code mismatch")
			n.pairingFailed(ctx, peerID, err)
		}
		return err
	}
	if err := n.sendTo(ctx, peerID, confirm); err != nil {
		return fmt.Errorf("send pairing confirmation: %w", err)
	}
	if state == pairing.StateTrusted {
		n.onTrusted(ctx, peerID)
	}
	return nil
}

// Connect dials peerID if needed and opens a session when allowed.
func (n *Node) Connect(ctx context.Context, peerID string) error {
	pc, _, err := n.connection(ctx, peerID)
	if err != nil {
		return err
	}
	if !n.sessionAllowed(peerID, pc.Peer().Fingerprint) {
		return fmt.Errorf("%s is not trusted; pair first", peerID)
	}
	if n.localID > peerID {
		// The lower id opens sessions; reconnecting is enough for it to do so.
		return nil
	}
	n.maybeOpenSession(ctx, peerID)
	return nil
}

// Release hands ownership to the remote peer.
func (n *Node) Release(ctx context.Context) error {
	s := n.session()
	if s == nil {
		return ErrNoSession
	}
	return s.runner.Release(ctx)
}

// Disconnect closes the open session and tells the remote peer.
func (n *Node) Disconnect(ctx context.Context) error {
	s := n.session()
	if s == nil {
		return ErrNoSession
	}
	return s.runner.Disconnect(ctx, "user request")
}

// Peers returns the live peer table ordered by device id.
func (n *Node) Peers() []models.Peer {
	peers := n.table.Snapshot()
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers
}

// Scan browses for announcements immediately instead of waiting for the next
// interval.
func (n *Node) Scan(ctx context.Context) error {
	if n.opts.Discovery == nil {
		return ErrNoDiscovery
	}
	if err := n.opts.Discovery.Scanner.Refresh(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	n.printPeers()
	return nil
}

// connection returns the control connection to peerID, dialing it when none
// exists.
func (n *Node) connection(ctx context.Context, peerID string) (*network.PeerConnection, bool, error) {
	if pc := n.connFor(peerID); pc != nil {
		return pc.PeerConnection, pc.outbound, nil
	}
	pc, err := n.dial(ctx, peerID)
	if err != nil {
		return nil, false, fmt.Errorf("connect to %s: %w", peerID, err)
	}
	return pc, true, nil
}

// Exec runs one command line.
func (n *Node) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	need := func(count int, usage string) error {
		if len(args) != count {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		n.printf("%s", commandHelp)
	case "peers":
		n.printPeers()
	case "status":
		n.printStatus()
	case "scan":
		return n.Scan(ctx)
	case "pair":
		if err := need(1, "pair <peer-id>"); err != nil {
			return err
		}
		return n.Pair(ctx, args[0])
	case "confirm":
		if err := need(2, "confirm <peer-id> <code>"); err != nil {
			return err
		}
		return n.Confirm(ctx, args[0], args[1])
	case "connect":
		if err := need(1, "connect <peer-id>"); err != nil {
			return err
		}
		return n.Connect(ctx, args[0])
	case "release":
		return n.Release(ctx)
	case "disconnect":
		return n.Disconnect(ctx)
	default:
		return fmt.Errorf("unknown command %q; type help", fields[0])
	}
	return nil
}

// RunCommands reads command lines from r until EOF or ctx is cancelled.
// Command errors are printed and do not stop the loop.
func (n *Node) RunCommands(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := n.Exec(ctx, line); err != nil {
				n.logger.Debug("command failed", zap.String("command", line), zap.Error(err))
				n.printf("Error: %v\n", err)
			}
		}
	}
}

func (n *Node) printPeers() {
	peers := n.Peers()
	if len(peers) == 0 {
		n.printf("No peers discovered\n")
		return
	}
	for _, peer := range peers {
		connected := ""
		if n.connFor(peer.DeviceID) != nil {
			connected = " connected"
		}
		n.printf("%s  %-20s %s:%d  %s  [%s%s]\n",
			peer.DeviceID, peer.DeviceName, peer.Address, peer.Port,
			crypto.FormatFingerprint(peer.KeyFingerprint), peer.Trust, connected)
	}
}

func (n *Node) printStatus() {
	snap := n.Snapshot()
	if snap.SessionID == "" {
		n.printf("No session\n")
		return
	}
	holder := snap.Holder
	if holder == "" {
		holder = "none"
	}
	n.printf("Session %s with %s: %s, holder %s, generation %d, codec %s\n",
		snap.SessionID, snap.RemoteID, snap.State, holder, snap.Generation, n.codecWith(snap.RemoteID))
}

func (n *Node) codecWith(peerID string) string {
	if pc := n.connFor(peerID); pc != nil && pc.Peer().Codec != "" {
		return pc.Peer().Codec
	}
	return protocol.CodecJSON
}
