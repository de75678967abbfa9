package invite

import "time"

// DefaultCooldownWindow is the minimum interval between two
// distinct-recipient invites from the same donor.
const DefaultCooldownWindow = 30 * 24 * time.Hour

// Cooldown describes when a donor may next invite a new recipient.
type Cooldown struct {
	Blocked bool
	// NextAvailableAt is the instant the window releases. Set whenever a
	// prior invite exists, blocked or not.
	NextAvailableAt time.Time
}

// EvaluateCooldown reports whether a new-recipient invite is blocked by the
// donor's most recent invite. The window runs from the invite's creation
// time whether or not it was later revoked, and releases at the boundary
// instant itself.
func EvaluateCooldown(last *Invite, window time.Duration, now time.Time) Cooldown {
	if last == nil {
		return Cooldown{}
	}
	if window <= 0 {
		window = DefaultCooldownWindow
	}

	release := last.CreatedAt.Add(window)
	if now.Before(release) {
		return Cooldown{Blocked: true, NextAvailableAt: release}
	}
	return Cooldown{NextAvailableAt: release}
}
