package edge

import (
	"sync"
	"time"

	"mirage/models"
)

// Config describes the local display and the activation rules.
type Config struct {
	Width     int
	Height    int
	Threshold int
	Edges     []models.ScreenEdge
	Dwell     time.Duration
	Cooldown  time.Duration
}

// Intent asks the session to move ownership across Edge. X and Y are the
// clamped cursor position that triggered it.
type Intent struct {
	Edge models.ScreenEdge
	X    int
	Y    int
	At   time.Time
}

// Detector turns cursor positions into transfer intents. A position must stay
// inside the activation band of an enabled edge for the dwell time; after an
// intent fires or a transfer completes, a cooldown suppresses new intents.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	x, y          int
	band          models.ScreenEdge
	enteredAt     time.Time
	fired         bool
	cooldownUntil time.Time
}

// NewDetector returns a detector with the cursor at the screen centre.
func NewDetector(cfg Config) *Detector {
	d := &Detector{cfg: cfg}
	d.x, d.y = cfg.Width/2, cfg.Height/2
	return d
}

// UpdateConfig replaces the display and timing settings. A dwell in progress
// is re-evaluated against the new band.
func (d *Detector) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	d.x, d.y = d.clamp(d.x, d.y)
	if d.bandOf(d.x, d.y) != d.band {
		d.band = models.EdgeNone
		d.fired = false
	}
}

// Config returns the active settings.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Observe records a cursor position and returns an intent if the dwell has
// been satisfied.
func (d *Detector) Observe(x, y int, now time.Time) *Intent {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.x, d.y = d.clamp(x, y)
	band := d.bandOf(d.x, d.y)
	if band != d.band {
		d.band = band
		d.enteredAt = now
		d.fired = false
	}
	return d.evaluate(now)
}

// Tick fires a pending intent when the cursor has not moved since it entered
// the band.
func (d *Detector) Tick(now time.Time) *Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evaluate(now)
}

// NotifyTransferCompleted starts the cooldown after ownership moved in
// either direction.
func (d *Detector) NotifyTransferCompleted(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startCooldown(now)
	// The cursor has to leave and re-enter the band to fire again.
	d.fired = d.band != models.EdgeNone
}

// CoolingDown reports whether intents are currently suppressed.
func (d *Detector) CoolingDown(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return now.Before(d.cooldownUntil)
}

func (d *Detector) evaluate(now time.Time) *Intent {
	if d.band == models.EdgeNone || d.fired {
		return nil
	}
	if now.Sub(d.enteredAt) < d.cfg.Dwell || now.Before(d.cooldownUntil) {
		return nil
	}
	d.fired = true
	d.startCooldown(now)
	return &Intent{Edge: d.band, X: d.x, Y: d.y, At: now}
}

func (d *Detector) startCooldown(now time.Time) {
	if until := now.Add(d.cfg.Cooldown); until.After(d.cooldownUntil) {
		d.cooldownUntil = until
	}
}

func (d *Detector) bandOf(x, y int) models.ScreenEdge {
	t := d.cfg.Threshold
	for _, e := range d.cfg.Edges {
		switch e {
		case models.EdgeLeft:
			if x < t {
				return e
			}
		case models.EdgeRight:
			if x >= d.cfg.Width-t {
				return e
			}
		case models.EdgeTop:
			if y < t {
				return e
			}
		case models.EdgeBottom:
			if y >= d.cfg.Height-t {
				return e
			}
		}
	}
	return models.EdgeNone
}

func (d *Detector) clamp(x, y int) (int, int) {
	return clampAxis(x, d.cfg.Width), clampAxis(y, d.cfg.Height)
}

func clampAxis(v, size int) int {
	if size <= 0 {
		return v
	}
	return min(max(v, 0), size-1)
}
