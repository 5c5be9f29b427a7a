package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/models"
)

func TestStartAnnouncerBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:   "device-123",
		DeviceName:     "Alice Laptop",
		Platform:       models.PlatformLinux,
		CanHostMouse:   true,
		ListeningPort:  8443,
		KeyFingerprint: "00112233445566778899aabbccddeeff",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	announcer, err := StartAnnouncer(cfg)
	require.NoError(t, err)
	require.NotNil(t, announcer)

	assert.Equal(t, "Alice Laptop", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 8443, gotPort)
	assert.Contains(t, gotTXT, "peer_id=device-123")
	assert.Contains(t, gotTXT, "version=1")
	assert.Contains(t, gotTXT, "key_fingerprint=00112233445566778899aabbccddeeff")
	assert.Contains(t, gotTXT, "os_type=linux")
	assert.Contains(t, gotTXT, "can_host_mouse=true")

	// A nil server must not break re-announcing or stopping.
	announcer.Announce()
	announcer.Stop()
}

func TestStartAnnouncerValidates(t *testing.T) {
	_, err := StartAnnouncer(Config{DeviceName: "x", ListeningPort: 1})
	assert.Error(t, err)
	_, err = StartAnnouncer(Config{SelfDeviceID: "a", DeviceName: "x"})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AnnounceInterval: time.Second, ScanTimeout: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.ScanTimeout, "scan window is capped at the interval")
	assert.Equal(t, DefaultMissedIntervals, cfg.MissedIntervals)
	assert.Equal(t, 3*time.Second, cfg.SilenceTimeout())
	assert.Equal(t, models.PlatformUnknown, cfg.Platform)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	cfg := Config{
		SelfDeviceID:     "self",
		DeviceName:       "Self",
		ListeningPort:    8443,
		AnnounceInterval: 20 * time.Millisecond,
		ScanTimeout:      10 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}
