package session

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a time-sortable session id.
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
