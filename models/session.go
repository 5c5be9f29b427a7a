package models

import "time"

// SessionState is a lifecycle state of the ownership state machine.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionRequesting   SessionState = "requesting"
	SessionActive       SessionState = "active"
	SessionTransferring SessionState = "transferring"
	SessionSuspended    SessionState = "suspended"
	SessionTerminated   SessionState = "terminated"
)

// SessionSnapshot is an immutable view of one session published by its
// coordinator. Readers never mutate it.
type SessionSnapshot struct {
	SessionID  string
	LocalID    string
	RemoteID   string
	State      SessionState
	Holder     string
	Generation uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LocalHolds reports whether the local peer is the active holder.
func (s SessionSnapshot) LocalHolds() bool {
	return s.State == SessionActive && s.Holder != "" && s.Holder == s.LocalID
}

// RemoteHolds reports whether the remote peer is the active holder.
func (s SessionSnapshot) RemoteHolds() bool {
	return s.State == SessionActive && s.Holder != "" && s.Holder == s.RemoteID
}
