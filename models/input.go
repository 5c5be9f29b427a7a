package models

import "time"

// EventKind identifies the type of a pointer or keyboard event.
type EventKind string

const (
	EventMove   EventKind = "move"
	EventButton EventKind = "button"
	EventScroll EventKind = "scroll"
	EventKey    EventKind = "key"
)

// MouseButton names a pointer button.
type MouseButton string

const (
	ButtonLeft    MouseButton = "left"
	ButtonRight   MouseButton = "right"
	ButtonMiddle  MouseButton = "middle"
	ButtonBack    MouseButton = "back"
	ButtonForward MouseButton = "forward"
)

// ScreenEdge names one side of the local display.
type ScreenEdge string

const (
	EdgeNone   ScreenEdge = ""
	EdgeLeft   ScreenEdge = "left"
	EdgeRight  ScreenEdge = "right"
	EdgeTop    ScreenEdge = "top"
	EdgeBottom ScreenEdge = "bottom"
)

// Opposite returns the edge a cursor enters from on the other display.
func (e ScreenEdge) Opposite() ScreenEdge {
	switch e {
	case EdgeLeft:
		return EdgeRight
	case EdgeRight:
		return EdgeLeft
	case EdgeTop:
		return EdgeBottom
	case EdgeBottom:
		return EdgeTop
	default:
		return EdgeNone
	}
}

// ParseScreenEdge returns the edge for a config value, or EdgeNone.
func ParseScreenEdge(raw string) ScreenEdge {
	switch ScreenEdge(raw) {
	case EdgeLeft, EdgeRight, EdgeTop, EdgeBottom:
		return ScreenEdge(raw)
	default:
		return EdgeNone
	}
}

// EventPayload carries the kind-specific fields of an input event.
// Unused fields stay zero.
type EventPayload struct {
	DX         int         `json:"dx,omitempty"`
	DY         int         `json:"dy,omitempty"`
	X          int         `json:"x,omitempty"`
	Y          int         `json:"y,omitempty"`
	Button     MouseButton `json:"button,omitempty"`
	Pressed    bool        `json:"pressed,omitempty"`
	Delta      int         `json:"delta,omitempty"`
	Horizontal bool        `json:"horizontal,omitempty"`
	KeyCode    uint32      `json:"key_code,omitempty"`
}

// RawEvent is an event produced by the local input capture provider before
// it is stamped for the wire.
type RawEvent struct {
	Kind      EventKind
	Payload   EventPayload
	Timestamp time.Time
}
