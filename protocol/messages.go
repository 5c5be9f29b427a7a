package protocol

import (
	"errors"
	"fmt"

	"mirage/models"
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHello              = "hello"
	TypeHelloResponse      = "hello_response"
	TypeAnnouncement       = "announcement"
	TypePairingInit        = "pairing_init"
	TypePairingConfirm     = "pairing_confirm"
	TypePairingResult      = "pairing_result"
	TypeSessionOpen        = "session_open"
	TypeSessionClose       = "session_close"
	TypeTransferRequest    = "transfer_request"
	TypeTransferAck        = "transfer_ack"
	TypeTransferNack       = "transfer_nack"
	TypeHeartbeat          = "heartbeat"
	TypeLiveness           = "liveness"
	TypeInputEvent         = "input_event"
	TypeError              = "error"
)

var (
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame a listener sends on a new connection.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// Hello is the signed connection handshake exchanged by both sides.
// ChallengeNonce answers the other side's challenge; Nonce is a fresh
// challenge for the listener's reply. Codec names the encoding the sender
// uses after the handshake.
type Hello struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Platform         string `json:"platform"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce"`
	Nonce            string `json:"nonce,omitempty"`
	Codec            string `json:"codec,omitempty"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// Announcement advertises a device on the local network.
type Announcement struct {
	Type           string `json:"type"`
	PeerID         string `json:"peer_id"`
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	KeyFingerprint string `json:"key_fingerprint"`
	CanHostMouse   bool   `json:"can_host_mouse"`
}

// PairingInit carries one side's ephemeral key for a pairing exchange.
// The signature binds the ephemeral key and nonce to the identity key.
type PairingInit struct {
	Type         string `json:"type"`
	From         string `json:"from"`
	EphemeralPub []byte `json:"ephemeral_pub"`
	IdentityKey  []byte `json:"identity_key"`
	Nonce        []byte `json:"nonce"`
	Signature    []byte `json:"signature"`
}

// PairingConfirm proves knowledge of the pairing code without revealing it.
type PairingConfirm struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	CodeHash []byte `json:"code_hash"`
}

// PairingResult reports whether the remote side accepted a confirmation.
type PairingResult struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SessionOpen announces a new session id to the remote peer.
type SessionOpen struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	SessionID string `json:"session_id"`
}

// SessionClose ends a session explicitly.
type SessionClose struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// TransferRequest asks the remote peer to hand over ownership at Generation.
type TransferRequest struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
}

// TransferAck grants ownership at Generation to the receiver.
type TransferAck struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
}

// TransferNack refuses a transfer request. Generation is the sender's
// current generation.
type TransferNack struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
	Reason     string `json:"reason"`
}

// Heartbeat is emitted by the holder while it owns the session.
type Heartbeat struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
	HolderID   string `json:"holder_id"`
	Timestamp  int64  `json:"timestamp"`
}

// Liveness is the lighter beacon emitted by the non-holder.
type Liveness struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
	Timestamp  int64  `json:"timestamp"`
}

// InputEvent is one stamped input event forwarded by the holder.
type InputEvent struct {
	Type       string              `json:"type"`
	From       string              `json:"from"`
	SessionID  string              `json:"session_id"`
	Generation uint64              `json:"generation"`
	Seq        uint64              `json:"seq"`
	Kind       models.EventKind    `json:"kind"`
	Payload    models.EventPayload `json:"payload"`
	Timestamp  int64               `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Decode decodes payload into the concrete message struct named by its type.
func Decode(codec Codec, payload []byte) (any, error) {
	var envelope Envelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg any
	switch envelope.Type {
	case TypeHandshakeChallenge:
		msg = &HandshakeChallenge{}
	case TypeHello, TypeHelloResponse:
		msg = &Hello{}
	case TypeAnnouncement:
		msg = &Announcement{}
	case TypePairingInit:
		msg = &PairingInit{}
	case TypePairingConfirm:
		msg = &PairingConfirm{}
	case TypePairingResult:
		msg = &PairingResult{}
	case TypeSessionOpen:
		msg = &SessionOpen{}
	case TypeSessionClose:
		msg = &SessionClose{}
	case TypeTransferRequest:
		msg = &TransferRequest{}
	case TypeTransferAck:
		msg = &TransferAck{}
	case TypeTransferNack:
		msg = &TransferNack{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeLiveness:
		msg = &Liveness{}
	case TypeInputEvent:
		msg = &InputEvent{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, envelope.Type)
	}

	if err := codec.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	return msg, nil
}

// Sender returns the From field of a session or pairing message.
func Sender(msg any) string {
	switch m := msg.(type) {
	case *PairingInit:
		return m.From
	case *PairingConfirm:
		return m.From
	case *PairingResult:
		return m.From
	case *SessionOpen:
		return m.From
	case *SessionClose:
		return m.From
	case *TransferRequest:
		return m.From
	case *TransferAck:
		return m.From
	case *TransferNack:
		return m.From
	case *Heartbeat:
		return m.From
	case *Liveness:
		return m.From
	case *InputEvent:
		return m.From
	default:
		return ""
	}
}
