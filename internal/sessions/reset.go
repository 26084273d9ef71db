package sessions

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// matchesTrigger reports whether input is a manual reset command. A
// trigger matches as a case-insensitive prefix after leading whitespace
// is trimmed, so "  /RESET please" matches "/reset" but "reset /" does
// not.
func matchesTrigger(input string, triggers []string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return false
	}
	for _, t := range triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.HasPrefix(trimmed, t) {
			return true
		}
	}
	return false
}

// shouldReset evaluates the automatic reset policy against the session's
// last activity. Manual triggers are handled separately by the caller.
//
//	daily: reset when lastActivity predates the most recent at_hour
//	       boundary (today's when now >= at_hour, else yesterday's).
//	idle:  reset when now - lastActivity exceeds idle_minutes.
//	manual/never: no automatic reset.
func shouldReset(policy ResetPolicy, lastActivity, now time.Time) bool {
	switch policy.Policy {
	case "daily":
		boundary, err := dailyBoundary(policy.AtHour, now)
		if err != nil {
			return false
		}
		return lastActivity.Before(boundary)
	case "idle":
		if policy.IdleMinutes <= 0 {
			return false
		}
		return now.Sub(lastActivity) > time.Duration(policy.IdleMinutes)*time.Minute
	}
	return false
}

// dailyBoundary returns the most recent at_hour:00 at or before now,
// in now's location. The boundary is computed from a cron schedule so
// DST transitions resolve the same way as the serve scheduler.
func dailyBoundary(atHour int, now time.Time) (time.Time, error) {
	if atHour < 0 || atHour > 23 {
		atHour = 4
	}
	expr := fmt.Sprintf("0 %d * * *", atHour)
	return gronx.PrevTickBefore(expr, now, true)
}
