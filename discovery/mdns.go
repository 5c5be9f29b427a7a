package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"mirage/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_mirage._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultAnnounceInterval is the beacon and scan period.
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 2 * time.Second
	// DefaultMissedIntervals is how many silent intervals evict a peer.
	DefaultMissedIntervals = 3
	// DefaultBeaconsPerSecond caps accepted beacons per peer.
	DefaultBeaconsPerSecond = 4
)

const (
	txtPeerID         = "peer_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
	txtOSType         = "os_type"
	txtCanHostMouse   = "can_host_mouse"
)

var (
	// ErrDiscoveryTimeout is attached to PeerLost events.
	ErrDiscoveryTimeout = errors.New("discovery: peer announcement timed out")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcer, scanner and peer table behavior.
type Config struct {
	Service          string
	Domain           string
	Version          int
	AnnounceInterval time.Duration
	ScanTimeout      time.Duration
	MissedIntervals  int
	BeaconsPerSecond float64
	AllowedSubnets   []netip.Prefix

	SelfDeviceID   string
	DeviceName     string
	Platform       models.Platform
	CanHostMouse   bool
	ListeningPort  int
	KeyFingerprint string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanTimeout > out.AnnounceInterval {
		out.ScanTimeout = out.AnnounceInterval
	}
	if out.MissedIntervals <= 0 {
		out.MissedIntervals = DefaultMissedIntervals
	}
	if out.BeaconsPerSecond <= 0 {
		out.BeaconsPerSecond = DefaultBeaconsPerSecond
	}
	if out.Platform == "" {
		out.Platform = models.PlatformUnknown
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// SilenceTimeout is how long a peer may stay quiet before eviction.
func (c Config) SilenceTimeout() time.Duration {
	return time.Duration(c.MissedIntervals) * c.AnnounceInterval
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtPeerID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtKeyFingerprint + "=" + c.KeyFingerprint,
		txtOSType + "=" + string(c.Platform),
		txtCanHostMouse + "=" + strconv.FormatBool(c.CanHostMouse),
	}
}

// Announcer advertises local device presence via mDNS.
type Announcer struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server
}

// StartAnnouncer registers the local service.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{cfg: cfg, server: server}, nil
}

// Announce refreshes the advertised TXT records. It is idempotent.
func (a *Announcer) Announce() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.SetText(a.cfg.txtRecords())
	}
}

// Run re-announces every interval until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Announce()
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop stops mDNS announcing.
func (a *Announcer) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Service couples the announcer and scanner under one config.
type Service struct {
	Announcer *Announcer
	Scanner   *PeerScanner
}

// Start registers the announcer and prepares the scanner. Call Run to begin
// the periodic loops.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}

	return &Service{Announcer: announcer, Scanner: scanner}, nil
}

// Run drives the announcer and scanner until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Announcer.Run(ctx)
	}()
	scanErr := s.Scanner.Run(ctx)
	announceErr := <-done
	s.Announcer.Stop()
	if scanErr != nil {
		return scanErr
	}
	return announceErr
}

// Stop withdraws the announcement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Announcer.Stop()
}
