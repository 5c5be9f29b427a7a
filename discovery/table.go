package discovery

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mirage/models"
	"mirage/protocol"
)

const (
	// EventPeerDiscovered is emitted on the first sighting of a peer.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerUpdated is emitted when a known peer announces a new fingerprint.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerLost is emitted when a peer is evicted for silence.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer table updates.
type EventType string

// Event carries a peer table update to pairing and node consumers.
type Event struct {
	Type EventType
	Peer models.Peer
	// PreviousFingerprint is set on EventPeerUpdated.
	PreviousFingerprint string
	Err                 error
}

type tableEntry struct {
	peer    models.Peer
	limiter *rate.Limiter
}

// Table is the live peer table. It is owned by the discovery service;
// other components read snapshots or consume Events.
type Table struct {
	selfID  string
	subnets []netip.Prefix
	silence time.Duration
	limit   rate.Limit
	burst   int
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*tableEntry

	events chan Event
}

// NewTable creates an empty table using the scan-related fields of cfg.
func NewTable(config Config) *Table {
	cfg := config.withDefaults()
	burst := int(cfg.BeaconsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Table{
		selfID:  cfg.SelfDeviceID,
		subnets: cfg.AllowedSubnets,
		silence: cfg.SilenceTimeout(),
		limit:   rate.Limit(cfg.BeaconsPerSecond),
		burst:   burst,
		logger:  cfg.Logger.Named("discovery"),
		entries: make(map[string]*tableEntry),
		events:  make(chan Event, 128),
	}
}

// Events provides asynchronous table updates.
func (t *Table) Events() <-chan Event {
	return t.events
}

// Observe records one announcement seen at now. It returns the emitted event,
// if any. Repeated beacons only refresh last-seen and do not notify.
func (t *Table) Observe(ann protocol.Announcement, now time.Time) (Event, bool) {
	if ann.PeerID == "" || ann.PeerID == t.selfID {
		return Event{}, false
	}
	if !t.allowed(ann.Address) {
		t.logger.Debug("announcement outside allowed subnets",
			zap.String("peer_id", ann.PeerID),
			zap.String("address", ann.Address),
		)
		return Event{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.entries[ann.PeerID]
	if exists && !entry.limiter.AllowN(now, 1) {
		return Event{}, false
	}

	peer := models.Peer{
		DeviceID:       ann.PeerID,
		DeviceName:     ann.Name,
		Platform:       models.ParsePlatform(ann.Platform),
		Address:        ann.Address,
		Port:           ann.Port,
		KeyFingerprint: ann.KeyFingerprint,
		CanHostMouse:   ann.CanHostMouse,
		Trust:          models.TrustUnknown,
		LastSeen:       now,
	}
	if peer.DeviceName == "" {
		peer.DeviceName = peer.DeviceID
	}

	if !exists {
		limiter := rate.NewLimiter(t.limit, t.burst)
		limiter.AllowN(now, 1)
		t.entries[peer.DeviceID] = &tableEntry{peer: peer, limiter: limiter}
		event := Event{Type: EventPeerDiscovered, Peer: peer}
		t.emit(event)
		return event, true
	}

	previous := entry.peer
	peer.Trust = previous.Trust
	entry.peer = peer
	if previous.KeyFingerprint != peer.KeyFingerprint {
		event := Event{Type: EventPeerUpdated, Peer: peer, PreviousFingerprint: previous.KeyFingerprint}
		t.emit(event)
		return event, true
	}
	return Event{}, false
}

// Evict removes peers silent for longer than the configured number of
// missed intervals and reports them as lost.
func (t *Table) Evict(now time.Time) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lost []Event
	for id, entry := range t.entries {
		if now.Sub(entry.peer.LastSeen) <= t.silence {
			continue
		}
		delete(t.entries, id)
		event := Event{Type: EventPeerLost, Peer: entry.peer, Err: ErrDiscoveryTimeout}
		t.emit(event)
		lost = append(lost, event)
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].Peer.DeviceID < lost[j].Peer.DeviceID })
	return lost
}

// SetTrust annotates a known peer with its trust status.
func (t *Table) SetTrust(peerID string, trust models.TrustStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[peerID]; ok {
		entry.peer.Trust = trust
	}
}

// Get returns one peer by id.
func (t *Table) Get(peerID string) (models.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[peerID]
	if !ok {
		return models.Peer{}, false
	}
	return entry.peer, true
}

// Snapshot returns the current peers sorted by name.
func (t *Table) Snapshot() []models.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Peer, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table) allowed(address string) bool {
	if len(t.subnets) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t.subnets {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (t *Table) emit(event Event) {
	select {
	case t.events <- event:
	default:
		t.logger.Warn("discovery event dropped", zap.String("type", string(event.Type)), zap.String("peer_id", event.Peer.DeviceID))
	}
}
