package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mirage/models"
)

const selectPeer = `SELECT device_id, name, platform, public_key, fingerprint, trust,
	added_at, trusted_at, last_seen_at, address, port FROM peers`

// SaveTrustedPeer pins the identity of a peer after a completed code
// exchange, replacing any key pinned before. A zero endpoint keeps the one
// already stored.
func (s *Store) SaveTrustedPeer(peer Peer) error {
	switch {
	case peer.DeviceID == "":
		return errors.New("save peer: device id is required")
	case peer.PublicKey == "":
		return fmt.Errorf("save peer %s: public key is required", peer.DeviceID)
	case peer.Fingerprint == "":
		return fmt.Errorf("save peer %s: fingerprint is required", peer.DeviceID)
	}
	if peer.DeviceName == "" {
		peer.DeviceName = peer.DeviceID
	}
	if peer.Platform == "" {
		peer.Platform = models.PlatformUnknown
	}
	now := time.Now()
	if peer.AddedAt.IsZero() {
		peer.AddedAt = now
	}
	port := sql.Null[int64]{V: int64(peer.Port), Valid: peer.Port > 0}

	_, err := s.db.Exec(`
INSERT INTO peers (device_id, name, platform, public_key, fingerprint, trust,
                   added_at, trusted_at, last_seen_at, address, port)
VALUES (?, ?, ?, ?, ?, 'trusted', ?, ?, ?, ?, ?)
ON CONFLICT (device_id) DO UPDATE SET
  name         = excluded.name,
  platform     = excluded.platform,
  public_key   = excluded.public_key,
  fingerprint  = excluded.fingerprint,
  trust        = 'trusted',
  trusted_at   = excluded.trusted_at,
  last_seen_at = COALESCE(excluded.last_seen_at, peers.last_seen_at),
  address      = COALESCE(excluded.address, peers.address),
  port         = COALESCE(excluded.port, peers.port)`,
		peer.DeviceID, peer.DeviceName, string(peer.Platform), peer.PublicKey, peer.Fingerprint,
		peer.AddedAt.UnixMilli(), now.UnixMilli(), millis(peer.LastSeen), optional(peer.Address), port,
	)
	if err != nil {
		return fmt.Errorf("save peer %s: %w", peer.DeviceID, err)
	}
	return nil
}

// GetPeer returns the stored peer or ErrNotFound.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	peer, err := scanPeer(s.db.QueryRow(selectPeer+` WHERE device_id = ?`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer %s: %w", deviceID, err)
	}
	return &peer, nil
}

// ListPeers returns every stored peer ordered by name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(selectPeer + ` ORDER BY name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	peers, err := collect(rows, scanPeer)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// SetTrustStatus changes the trust of a stored peer.
func (s *Store) SetTrustStatus(deviceID string, trust models.TrustStatus) error {
	if err := checkTrust(trust); err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE peers SET trust = ? WHERE device_id = ?`, string(trust), deviceID)
	if err != nil {
		return fmt.Errorf("set trust of %s: %w", deviceID, err)
	}
	return affectedOne(res, "set trust of "+deviceID)
}

// RemovePeer forgets a peer together with its key rotation history.
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("remove peer: device id is required")
	}
	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %s: %w", deviceID, err)
	}
	return affectedOne(res, "remove peer "+deviceID)
}

// UpdatePeerEndpoint records where a stored peer was last announced. A zero
// seen time leaves the last-seen time unchanged.
func (s *Store) UpdatePeerEndpoint(deviceID, address string, port int, seen time.Time) error {
	if strings.TrimSpace(address) == "" || port <= 0 {
		return fmt.Errorf("update endpoint of %s: invalid address %q port %d", deviceID, address, port)
	}
	res, err := s.db.Exec(`
UPDATE peers SET address = ?, port = ?, last_seen_at = COALESCE(?, last_seen_at)
WHERE device_id = ?`,
		address, port, millis(seen), deviceID,
	)
	if err != nil {
		return fmt.Errorf("update endpoint of %s: %w", deviceID, err)
	}
	return affectedOne(res, "update endpoint of "+deviceID)
}

func scanPeer(row rowScanner) (Peer, error) {
	var (
		p                         Peer
		platform, trust           string
		added                     int64
		trustedAt, lastSeen, port sql.Null[int64]
		address                   sql.Null[string]
	)
	err := row.Scan(&p.DeviceID, &p.DeviceName, &platform, &p.PublicKey, &p.Fingerprint, &trust,
		&added, &trustedAt, &lastSeen, &address, &port)
	if err != nil {
		return Peer{}, err
	}
	p.Platform = models.Platform(platform)
	p.Trust = models.TrustStatus(trust)
	p.AddedAt = time.UnixMilli(added)
	p.TrustedAt = fromMillis(trustedAt)
	p.LastSeen = fromMillis(lastSeen)
	p.Address = address.V
	p.Port = int(port.V)
	return p, nil
}
