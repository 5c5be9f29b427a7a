package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"mirage/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "mirage"
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "MIRAGE_DATA_DIR"

	configFileName = "config.toml"

	GapPolicyWait = "wait"
	GapPolicySkip = "skip"
)

// Config is the persisted configuration of one device.
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Host      HostConfig      `toml:"host"`
	Network   NetworkConfig   `toml:"network"`
	Security  SecurityConfig  `toml:"security"`
	Input     InputConfig     `toml:"input"`
	Session   SessionConfig   `toml:"session"`
	Router    RouterConfig    `toml:"router"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// IdentityConfig holds the stable device id and key locations.
type IdentityConfig struct {
	DeviceID              string `toml:"device_id"`
	Ed25519PrivateKeyPath string `toml:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `toml:"ed25519_public_key_path"`
	KeyFingerprint        string `toml:"key_fingerprint"`
}

// HostConfig describes the local display.
type HostConfig struct {
	Name                 string   `toml:"name"`
	DisplayEdgeThreshold int      `toml:"display_edge_threshold"`
	ScreenWidth          int      `toml:"screen_width"`
	ScreenHeight         int      `toml:"screen_height"`
	Edges                []string `toml:"edges"`
}

// NetworkConfig holds ports, subnet filters and the wire codec.
type NetworkConfig struct {
	DiscoveryPort  int      `toml:"discovery_port"`
	ControlPort    int      `toml:"control_port"`
	AllowedSubnets []string `toml:"allowed_subnets"`
	WireCodec      string   `toml:"wire_codec"`
}

// SecurityConfig controls pairing and session lifetime.
type SecurityConfig struct {
	RequirePairing        bool `toml:"require_pairing"`
	SessionTimeoutMinutes int  `toml:"session_timeout_minutes"`
	PairingTimeoutSeconds int  `toml:"pairing_timeout_seconds"`
	MaxPairingFailures    int  `toml:"max_pairing_failures"`
	LockoutBaseSeconds    int  `toml:"lockout_base_seconds"`
	LockoutMaxSeconds     int  `toml:"lockout_max_seconds"`
}

// InputConfig controls edge activation and pointer behavior.
type InputConfig struct {
	EdgeActivationDelayMs int     `toml:"edge_activation_delay_ms"`
	CooldownMs            int     `toml:"cooldown_ms"`
	MouseAcceleration     float64 `toml:"mouse_acceleration"`
	EnableSmoothScroll    bool    `toml:"enable_smooth_scroll"`
}

// SessionConfig holds ownership state machine timers.
type SessionConfig struct {
	HeartbeatIntervalMs int `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `toml:"heartbeat_timeout_ms"`
	GracePeriodMs       int `toml:"grace_period_ms"`
	TransferTimeoutMs   int `toml:"transfer_timeout_ms"`
	TransferRetries     int `toml:"transfer_retries"`
}

// RouterConfig controls inbound reordering.
type RouterConfig struct {
	GapPolicy     string `toml:"gap_policy"`
	ReorderWaitMs int    `toml:"reorder_wait_ms"`
	ReorderBuffer int    `toml:"reorder_buffer"`
}

// DiscoveryConfig controls announcement cadence and eviction.
type DiscoveryConfig struct {
	AnnounceIntervalSeconds int     `toml:"announce_interval_seconds"`
	MissedIntervals         int     `toml:"missed_intervals"`
	BeaconsPerSecond        float64 `toml:"beacons_per_second"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Address string `toml:"address"`
}

// Default returns a config populated with defaults for dataDir.
func Default(dataDir string) *Config {
	keysDir := filepath.Join(dataDir, "keys")
	return &Config{
		Identity: IdentityConfig{
			DeviceID:              uuid.NewString(),
			Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
			Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
		},
		Host: HostConfig{
			Name:                 defaultHostName(),
			DisplayEdgeThreshold: 10,
			ScreenWidth:          1920,
			ScreenHeight:         1080,
			Edges:                []string{string(models.EdgeRight)},
		},
		Network: NetworkConfig{
			DiscoveryPort:  5353,
			ControlPort:    8443,
			AllowedSubnets: []string{"192.168.0.0/16", "10.0.0.0/8"},
			WireCodec:      "json",
		},
		Security: SecurityConfig{
			RequirePairing:        true,
			SessionTimeoutMinutes: 60,
			PairingTimeoutSeconds: 120,
			MaxPairingFailures:    3,
			LockoutBaseSeconds:    30,
			LockoutMaxSeconds:     900,
		},
		Input: InputConfig{
			EdgeActivationDelayMs: 150,
			CooldownMs:            500,
			MouseAcceleration:     1.0,
			EnableSmoothScroll:    true,
		},
		Session: SessionConfig{
			HeartbeatIntervalMs: 250,
			HeartbeatTimeoutMs:  2000,
			GracePeriodMs:       3000,
			TransferTimeoutMs:   500,
			TransferRetries:     3,
		},
		Router: RouterConfig{
			GapPolicy:     GapPolicyWait,
			ReorderWaitMs: 20,
			ReorderBuffer: 64,
		},
		Discovery: DiscoveryConfig{
			AnnounceIntervalSeconds: 5,
			MissedIntervals:         3,
			BeaconsPerSecond:        4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MIRAGE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and decodes config.toml from disk. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default(filepath.Dir(path))
	cfg.Identity.DeviceID = ""
	if _, err := toml.Decode(string(raw), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save encodes the config as TOML and writes it to disk.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// An explicit path overrides the data directory lookup.
func LoadOrCreate(explicitPath string) (*Config, string, error) {
	cfgPath := explicitPath
	if cfgPath == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		cfgPath = ConfigPath(dataDir)
	}
	dataDir := filepath.Dir(cfgPath)
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = Default(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Host.DisplayEdgeThreshold <= 0 {
		return errors.New("host.display_edge_threshold must be > 0")
	}
	if c.Host.ScreenWidth <= 0 || c.Host.ScreenHeight <= 0 {
		return errors.New("host screen dimensions must be > 0")
	}
	for _, edge := range c.Host.Edges {
		if models.ParseScreenEdge(edge) == models.EdgeNone {
			return fmt.Errorf("host.edges: unknown edge %q", edge)
		}
	}
	if _, err := c.Subnets(); err != nil {
		return err
	}
	switch c.Network.WireCodec {
	case "json", "cbor":
	default:
		return fmt.Errorf("network.wire_codec: unknown codec %q", c.Network.WireCodec)
	}
	if c.Session.HeartbeatIntervalMs <= 0 {
		return errors.New("session.heartbeat_interval_ms must be > 0")
	}
	if c.Session.HeartbeatTimeoutMs < 3*c.Session.HeartbeatIntervalMs {
		return fmt.Errorf("session.heartbeat_timeout_ms (%d) must be at least 3 heartbeat intervals (%d)",
			c.Session.HeartbeatTimeoutMs, 3*c.Session.HeartbeatIntervalMs)
	}
	if c.Session.GracePeriodMs < 0 {
		return errors.New("session.grace_period_ms must be >= 0")
	}
	switch c.Router.GapPolicy {
	case GapPolicyWait, GapPolicySkip:
	default:
		return fmt.Errorf("router.gap_policy: unknown policy %q", c.Router.GapPolicy)
	}
	if c.Security.MaxPairingFailures <= 0 {
		return errors.New("security.max_pairing_failures must be > 0")
	}
	return nil
}

// Subnets parses network.allowed_subnets.
func (c *Config) Subnets() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Network.AllowedSubnets))
	for _, raw := range c.Network.AllowedSubnets {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("network.allowed_subnets: %w", err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

// ScreenEdges returns the configured edges that lead to the peer.
func (c *Config) ScreenEdges() []models.ScreenEdge {
	out := make([]models.ScreenEdge, 0, len(c.Host.Edges))
	for _, raw := range c.Host.Edges {
		if edge := models.ParseScreenEdge(raw); edge != models.EdgeNone {
			out = append(out, edge)
		}
	}
	return out
}

// SessionTimeout returns session_timeout_minutes as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Security.SessionTimeoutMinutes) * time.Minute
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration { return millis(c.Session.HeartbeatIntervalMs) }

// HeartbeatTimeout returns the holder silence that suspends a session.
func (c *Config) HeartbeatTimeout() time.Duration { return millis(c.Session.HeartbeatTimeoutMs) }

// GracePeriod returns the delay between suspension and forced takeover.
func (c *Config) GracePeriod() time.Duration { return millis(c.Session.GracePeriodMs) }

// TransferTimeout returns how long a transfer request waits for an answer.
func (c *Config) TransferTimeout() time.Duration { return millis(c.Session.TransferTimeoutMs) }

// Dwell returns the edge activation delay.
func (c *Config) Dwell() time.Duration { return millis(c.Input.EdgeActivationDelayMs) }

// Cooldown returns the edge re-trigger suppression window.
func (c *Config) Cooldown() time.Duration { return millis(c.Input.CooldownMs) }

// ReorderWait returns how long the router waits for a missing sequence number.
func (c *Config) ReorderWait() time.Duration { return millis(c.Router.ReorderWaitMs) }

// AnnounceInterval returns the discovery announcement period.
func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Discovery.AnnounceIntervalSeconds) * time.Second
}

func defaultHostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Mirage Device"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.Identity.DeviceID == "" {
		cfg.Identity.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.Host.Name == "" {
		cfg.Host.Name = defaultHostName()
		updated = true
	}
	if cfg.Identity.Ed25519PrivateKeyPath == "" {
		cfg.Identity.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.Identity.Ed25519PublicKeyPath == "" {
		cfg.Identity.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}
	if len(cfg.Host.Edges) == 0 {
		cfg.Host.Edges = []string{string(models.EdgeRight)}
		updated = true
	}
	return updated
}
