package input

import (
	"context"
	"iter"
	"math"
	"time"

	"go.uber.org/zap"

	"mirage/models"
	"mirage/protocol"
)

// Capture produces local input events. Each call to ReadEvents returns a
// fresh lazy sequence that ends when ctx is cancelled or the source closes,
// so a consumer can restart it.
type Capture interface {
	ReadEvents(ctx context.Context) iter.Seq[models.RawEvent]
}

// Injector replays events received from the holder into the local system.
type Injector interface {
	Inject(ctx context.Context, ev models.RawEvent) error
}

// Null captures nothing and discards injected events.
type Null struct{}

// ReadEvents returns an empty sequence.
func (Null) ReadEvents(context.Context) iter.Seq[models.RawEvent] {
	return func(func(models.RawEvent) bool) {}
}

// Inject discards ev.
func (Null) Inject(context.Context, models.RawEvent) error { return nil }

// ChannelCapture reads events from a channel fed by a platform hook.
type ChannelCapture struct {
	C <-chan models.RawEvent
}

// ReadEvents yields events from C until ctx is done or C is closed.
func (c ChannelCapture) ReadEvents(ctx context.Context) iter.Seq[models.RawEvent] {
	return func(yield func(models.RawEvent) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.C:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

// LogInjector records injected events at debug level. It is the injector
// of a headless node.
type LogInjector struct {
	Logger *zap.Logger
}

// Inject logs ev.
func (l LogInjector) Inject(_ context.Context, ev models.RawEvent) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Debug("inject input event",
		zap.String("kind", string(ev.Kind)),
		zap.Int("dx", ev.Payload.DX),
		zap.Int("dy", ev.Payload.DY),
		zap.String("button", string(ev.Payload.Button)),
		zap.Int("delta", ev.Payload.Delta),
	)
	return nil
}

// Shaper adjusts events before injection.
type Shaper struct {
	// Acceleration scales relative pointer motion.
	Acceleration float64
	// SmoothScroll keeps fractional wheel deltas; otherwise each scroll event
	// becomes a single notch.
	SmoothScroll bool
}

// Apply returns the adjusted event.
func (s Shaper) Apply(ev models.RawEvent) models.RawEvent {
	switch ev.Kind {
	case models.EventMove:
		if s.Acceleration > 0 && s.Acceleration != 1 {
			ev.Payload.DX = scale(ev.Payload.DX, s.Acceleration)
			ev.Payload.DY = scale(ev.Payload.DY, s.Acceleration)
		}
	case models.EventScroll:
		if !s.SmoothScroll {
			switch {
			case ev.Payload.Delta > 0:
				ev.Payload.Delta = 1
			case ev.Payload.Delta < 0:
				ev.Payload.Delta = -1
			}
		}
	}
	return ev
}

func scale(v int, factor float64) int {
	return int(math.Round(float64(v) * factor))
}

// FromWire converts an admitted wire event back into a raw event.
func FromWire(ev *protocol.InputEvent) models.RawEvent {
	return models.RawEvent{
		Kind:      ev.Kind,
		Payload:   ev.Payload,
		Timestamp: time.UnixMilli(ev.Timestamp),
	}
}
