package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"mirage/protocol"
)

// ErrScannerIdle is returned by Refresh before Run has started.
var ErrScannerIdle = errors.New("discovery: peer scanner is not running")

// PeerScanner browses for announcements on a fixed cadence and feeds every
// usable entry into its Table.
type PeerScanner struct {
	cfg    Config
	browse browseFunc
	table  *Table
	logger *zap.Logger
	now    func() time.Time

	started atomic.Bool
	kick    chan chan error
}

// NewPeerScanner validates cfg and prepares a scanner. Browsing starts with
// Run.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		table:  NewTable(cfg),
		logger: cfg.Logger.Named("discovery"),
		now:    time.Now,
		kick:   make(chan chan error),
	}, nil
}

// Table returns the peer table fed by the scanner.
func (s *PeerScanner) Table() *Table {
	return s.table
}

// Run browses immediately, then once per announce interval and on every
// Refresh, until ctx is done.
func (s *PeerScanner) Run(ctx context.Context) error {
	s.started.Store(true)
	defer s.started.Store(false)

	s.scan(ctx)
	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scan(ctx)
		case reply := <-s.kick:
			reply <- s.scan(ctx)
		}
	}
}

// Refresh runs an extra scan and waits for it.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return ErrScannerIdle
	}
	reply := make(chan error, 1)
	select {
	case s.kick <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scan browses for one scan window, records what it saw and then evicts
// peers that stopped announcing.
func (s *PeerScanner) scan(ctx context.Context) error {
	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browsed := make(chan error, 1)
	go func() { browsed <- s.browse(window, s.cfg.Service, s.cfg.Domain, entries) }()

	var browseErr error
	for done := false; !done; {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			s.record(entry)
		case err := <-browsed:
			if err != nil {
				browseErr = err
				cancel()
				done = true
			}
			// A nil return only means browsing started; entries keep
			// arriving until the window closes.
			browsed = nil
		case <-window.Done():
			done = true
		}
	}

	if browseErr != nil {
		s.logger.Warn("mDNS browse failed", zap.Error(browseErr))
		return browseErr
	}
	for _, lost := range s.table.Evict(s.now()) {
		s.logger.Info("peer lost", zap.String("peer_id", lost.Peer.DeviceID), zap.Error(lost.Err))
	}
	return nil
}

func (s *PeerScanner) record(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}
	ann, addrs, ok := announcementFrom(entry, s.cfg.SelfDeviceID)
	if !ok {
		return
	}
	for _, addr := range addrs {
		if s.table.allowed(addr.String()) {
			ann.Address = addr.String()
			s.table.Observe(ann, s.now())
			return
		}
	}
	s.logger.Debug("announcement from outside allowed subnets", zap.String("peer_id", ann.PeerID))
}

// announcementFrom reads a browsed service entry. Addresses come back IPv4
// first, each family in ascending order.
func announcementFrom(entry *zeroconf.ServiceEntry, self string) (protocol.Announcement, []netip.Addr, bool) {
	txt := parseTXT(entry.Text)
	id := txt[txtPeerID]
	if id == "" || id == self {
		return protocol.Announcement{}, nil, false
	}

	var addrs []netip.Addr
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if addr, ok := ipAddr(ip); ok && !slices.Contains(addrs, addr) {
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, func(a, b netip.Addr) int {
		if a.Is4() != b.Is4() {
			if a.Is4() {
				return -1
			}
			return 1
		}
		return a.Compare(b)
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	canHost, _ := strconv.ParseBool(txt[txtCanHostMouse])

	return protocol.Announcement{
		Type:           protocol.TypeAnnouncement,
		PeerID:         id,
		Name:           name,
		Platform:       txt[txtOSType],
		Port:           entry.Port,
		KeyFingerprint: txt[txtKeyFingerprint],
		CanHostMouse:   canHost,
	}, addrs, true
}

func ipAddr(ip net.IP) (netip.Addr, bool) {
	if ip == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}
