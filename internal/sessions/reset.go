package sessions

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/botgatehq/botgate/internal/config"
)

// Policy is the effective reset policy for one session, after base,
// by-type, and by-channel overrides have been folded together.
type Policy struct {
	DailyHour   *int
	IdleMinutes int
}

// EffectivePolicy resolves the reset policy for a session key. Overrides
// layer on top of the base: by-type first, then by-channel; each override
// only replaces the fields it sets.
func EffectivePolicy(rc config.ResetConfig, key string) Policy {
	p := Policy{DailyHour: rc.DailyHour, IdleMinutes: rc.IdleMinutes}

	if ov, ok := rc.ByType[ChatTypeOf(key)]; ok {
		applyOverride(&p, ov)
	}
	if ch := ChannelOf(key); ch != "" {
		if ov, ok := rc.ByChannel[ch]; ok {
			applyOverride(&p, ov)
		}
	}
	return p
}

func applyOverride(p *Policy, ov config.ResetOverride) {
	if ov.DailyHour != nil {
		p.DailyHour = ov.DailyHour
	}
	if ov.IdleMinutes != 0 {
		p.IdleMinutes = ov.IdleMinutes
	}
}

// ExpiresAt computes when a session last touched at updatedAt stops being
// current. Returns the earliest applicable expiration and false when the
// policy never expires the session.
//
// The daily boundary is the configured host-local hour; a session touched
// before the most recent boundary is expired. Idle is a sliding window from
// the last update. Thread sessions are exempt from idle expiry so a
// long-lived thread keeps its context between visits.
func ExpiresAt(p Policy, key string, updatedAt time.Time) (time.Time, bool) {
	var candidates []time.Time

	if p.DailyHour != nil {
		h := *p.DailyHour
		if h >= 0 && h <= 23 {
			day := time.Date(updatedAt.Year(), updatedAt.Month(), updatedAt.Day(), h, 0, 0, 0, updatedAt.Location())
			if !day.After(updatedAt) {
				day = day.AddDate(0, 0, 1)
			}
			candidates = append(candidates, day)
		}
	}

	if p.IdleMinutes > 0 && ChatTypeOf(key) != "thread" {
		candidates = append(candidates, updatedAt.Add(time.Duration(p.IdleMinutes)*time.Minute))
	}

	if len(candidates) == 0 {
		return time.Time{}, false
	}
	earliest := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(earliest) {
			earliest = c
		}
	}
	return earliest, true
}

// IsExpired reports whether a session touched at updatedAt is stale at now
// under the policy for key.
func IsExpired(rc config.ResetConfig, key string, updatedAt, now time.Time) bool {
	if updatedAt.IsZero() {
		return false
	}
	exp, ok := ExpiresAt(EffectivePolicy(rc, key), key, updatedAt)
	if !ok {
		return false
	}
	return !now.Before(exp)
}

// DailyCron renders the reset hour as a cron expression, used by the status
// surface to report the next boundary.
func DailyCron(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

// NextDailyBoundary returns the next daily reset after now, or zero when no
// daily hour is configured or the expression fails to parse.
func NextDailyBoundary(p Policy, now time.Time) time.Time {
	if p.DailyHour == nil {
		return time.Time{}
	}
	next, err := gronx.NextTickAfter(DailyCron(*p.DailyHour), now, false)
	if err != nil {
		return time.Time{}
	}
	return next
}
