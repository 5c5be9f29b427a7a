package discovery

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:     "self-device",
		AnnounceInterval: time.Hour,
		ScanTimeout:      35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 8443, "10.0.0.1", "fp-self")
			entries <- testServiceEntry("peer-1", "Bob", 8443, "10.0.0.2", "fp-1")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 8443, "10.0.0.3", "fp-2")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scanner.Run(ctx) }()

	require.Eventually(t, func() bool {
		peers := scanner.Table().Snapshot()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, scanner.Refresh(context.Background()))

	require.Eventually(t, func() bool {
		return scanner.Table().Len() == 2
	}, time.Second, 5*time.Millisecond)

	peer, ok := scanner.Table().Get("peer-2")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3", peer.Address)
	assert.Equal(t, "fp-2", peer.KeyFingerprint)
	assert.True(t, peer.CanHostMouse)
}

func TestPeerScannerPicksAllowedAddress(t *testing.T) {
	cfg := Config{
		SelfDeviceID:     "self-device",
		AnnounceInterval: time.Hour,
		ScanTimeout:      25 * time.Millisecond,
		AllowedSubnets:   []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := testServiceEntry("peer-1", "Bob", 8443, "10.0.0.2", "fp-1")
			entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("192.168.3.4"))
			entries <- entry
			entries <- testServiceEntry("peer-2", "Carol", 8443, "10.0.0.3", "fp-2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scanner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return scanner.Table().Len() == 1
	}, time.Second, 5*time.Millisecond)

	peer, ok := scanner.Table().Get("peer-1")
	require.True(t, ok)
	assert.Equal(t, "192.168.3.4", peer.Address)
}

func TestPeerScannerRefreshRequiresRun(t *testing.T) {
	scanner, err := NewPeerScanner(Config{
		SelfDeviceID: "self",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, scanner.Refresh(context.Background()), ErrScannerIdle)
}

func TestParseEntryReadsCapabilities(t *testing.T) {
	entry := testServiceEntry("peer-1", "", 9000, "10.0.0.2", "fp")
	entry.HostName = "bob.local."
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"))
	ann, addrs, ok := announcementFrom(entry, "self")
	require.True(t, ok)
	assert.Equal(t, "bob.local.", ann.Name)
	assert.Equal(t, "windows", ann.Platform)
	assert.True(t, ann.CanHostMouse)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("fe80::1"),
	}, addrs)

	_, _, ok = announcementFrom(testServiceEntry("self", "Self", 1, "10.0.0.1", "fp"), "self")
	assert.False(t, ok)
}

func testServiceEntry(peerID, name string, port int, ip, fingerprint string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(name, DefaultService, DefaultDomain)
	entry.Port = port
	entry.Text = []string{
		"peer_id=" + peerID,
		"version=1",
		"key_fingerprint=" + fingerprint,
		"os_type=windows",
		"can_host_mouse=true",
	}
	entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	return entry
}
