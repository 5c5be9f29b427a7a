package models

import "time"

// TrustStatus is the pairing trust level recorded for a remote device.
type TrustStatus string

const (
	TrustUnknown       TrustStatus = "unknown"
	TrustCodeExchanged TrustStatus = "code_exchanged"
	TrustTrusted       TrustStatus = "trusted"
)

// Platform tags the operating system a peer announces.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps a GOOS-style value to a Platform.
func ParsePlatform(raw string) Platform {
	switch Platform(raw) {
	case PlatformLinux, PlatformDarwin, PlatformWindows:
		return Platform(raw)
	default:
		return PlatformUnknown
	}
}

// Peer represents a discovered or paired remote device.
type Peer struct {
	DeviceID       string      `json:"device_id"`
	DeviceName     string      `json:"device_name"`
	Platform       Platform    `json:"platform"`
	Address        string      `json:"address"`
	Port           int         `json:"port"`
	KeyFingerprint string      `json:"key_fingerprint"`
	CanHostMouse   bool        `json:"can_host_mouse"`
	Trust          TrustStatus `json:"trust"`
	LastSeen       time.Time   `json:"last_seen"`
}
