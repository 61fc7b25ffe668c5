// Package consent tracks whether the user allowed third-party content and
// when they decided.
package consent

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusUnset   Status = ""
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

// ReaskWindow is how long a denial is honoured before asking again.
const ReaskWindow = 48 * time.Hour

var ErrInvalidStatus = errors.New("consent: status must be granted or denied")

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusGranted:
		return StatusGranted, nil
	case StatusDenied:
		return StatusDenied, nil
	default:
		return StatusUnset, ErrInvalidStatus
	}
}

func (s Status) String() string {
	if s == StatusUnset {
		return "unset"
	}
	return string(s)
}

// Record is the persisted consent state. DecidedAt is set iff Status is not
// StatusUnset.
type Record struct {
	Status    Status     `json:"status"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

func newRecord(status Status, at time.Time) Record {
	at = at.Truncate(time.Millisecond)
	return Record{Status: status, DecidedAt: &at}
}

// normalize enforces the record invariant. Anything that does not look like
// a decision reads as Unset.
func (r Record) normalize() Record {
	switch r.Status {
	case StatusGranted, StatusDenied:
		if r.DecidedAt == nil || r.DecidedAt.IsZero() {
			return Record{}
		}
		return r
	default:
		return Record{}
	}
}

func (r Record) Granted() bool {
	return r.Status == StatusGranted
}

// ShouldPrompt asks again when nothing was decided, never after a grant, and
// after a denial only once ReaskWindow has passed.
func ShouldPrompt(r Record, now time.Time) bool {
	switch r.Status {
	case StatusGranted:
		return false
	case StatusDenied:
		if r.DecidedAt == nil {
			return true
		}
		return now.Sub(*r.DecidedAt) > ReaskWindow
	default:
		return true
	}
}

func millisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func timeToMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
