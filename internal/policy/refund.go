// Package policy decides whether a cancellation returns held coins.
package policy

import (
	"strings"
	"time"
)

// Policy is an event's refund policy.
type Policy string

const (
	Flexible Policy = "flexible"
	Moderate Policy = "moderate"
	Strict   Policy = "strict"
)

const (
	flexibleWindow = 2 * time.Hour
	moderateWindow = 24 * time.Hour
)

// Parse normalises a stored policy value. Empty and unknown values are Moderate.
func Parse(s string) Policy {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case Flexible:
		return Flexible
	case Strict:
		return Strict
	default:
		return Moderate
	}
}

// Window returns how long before the event a cancellation must happen to be
// refunded. ok is false for policies that never refund.
func Window(p Policy) (d time.Duration, ok bool) {
	switch Parse(string(p)) {
	case Flexible:
		return flexibleWindow, true
	case Strict:
		return 0, false
	default:
		return moderateWindow, true
	}
}

// IsRefundEligible reports whether cancelling at now, for an event starting at
// eventStart, is inside the refund window. The comparison is strict: exactly
// at the window boundary is not eligible.
func IsRefundEligible(now, eventStart time.Time, p Policy) bool {
	window, ok := Window(p)
	if !ok {
		return false
	}
	return eventStart.Sub(now) > window
}
