package store

import "time"

// StrikeOutcome describes the result of a ban command against a user.
type StrikeOutcome int

const (
	// StrikeWarned means the strike was recorded but the threshold was not reached.
	StrikeWarned StrikeOutcome = iota
	// StrikeBanned means this strike triggered a ban.
	StrikeBanned
	// StrikeAlreadyBanned means the user was already banned; nothing changed.
	StrikeAlreadyBanned
)

// IsBanned reports whether the user's ban is still in effect.
func (d *UserDirectory) IsBanned(u *User, now time.Time) bool {
	d.banMu.Lock()
	defer d.banMu.Unlock()

	return u.BanUntil > now.UnixMilli()
}

// BanRemaining returns how long the user's ban has left to run.
func (d *UserDirectory) BanRemaining(u *User, now time.Time) time.Duration {
	d.banMu.Lock()
	defer d.banMu.Unlock()

	remaining := u.BanUntil - now.UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// Strike records one ban warning against the user. Reaching the strike
// threshold bans the user for banDuration and resets the strike count to
// zero. Striking an already-banned user is rejected without mutation.
func (d *UserDirectory) Strike(u *User, now time.Time, threshold int, banDuration time.Duration) StrikeOutcome {
	d.banMu.Lock()
	defer d.banMu.Unlock()

	if u.BanUntil > now.UnixMilli() {
		return StrikeAlreadyBanned
	}

	u.BanStrikes++
	if u.BanStrikes >= threshold {
		u.BanUntil = now.Add(banDuration).UnixMilli()
		u.BanStrikes = 0
		return StrikeBanned
	}
	return StrikeWarned
}

// IsRateLimited reports whether the user has exhausted the send quota for
// the current window.
func (d *UserDirectory) IsRateLimited(u *User, quota int) bool {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	return u.SentCount >= quota
}

// RateWindowRemaining returns how long until the user's current rate window
// expires.
func (d *UserDirectory) RateWindowRemaining(u *User, now time.Time, window time.Duration) time.Duration {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	remaining := u.WindowStart + window.Milliseconds() - now.UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// RecordSend counts one sent message against the user's rate window,
// starting a new window if none is active. This is a fixed-window counter:
// the window only ends when the rate reaper resets it, so a burst across a
// window boundary can reach twice the quota.
func (d *UserDirectory) RecordSend(u *User, now time.Time) {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	if u.WindowStart == 0 {
		u.WindowStart = now.UnixMilli()
	}
	u.SentCount++
}

// ResetRateCounters clears the user's rate window unconditionally. Used on
// login, which gives returning users a fresh window.
func (d *UserDirectory) ResetRateCounters(u *User) {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	u.WindowStart = 0
	u.SentCount = 0
}

// ResetExpiredWindows clears the rate window of every user whose window has
// run its full duration. Returns the number of users reset. Called
// periodically by the rate-limit reaper; running it twice in a row is
// harmless.
func (d *UserDirectory) ResetExpiredWindows(now time.Time, window time.Duration) int {
	reset := 0
	for _, u := range d.All() {
		d.rateMu.Lock()
		if u.WindowStart > 0 && u.WindowStart+window.Milliseconds() < now.UnixMilli() {
			u.WindowStart = 0
			u.SentCount = 0
			reset++
		}
		d.rateMu.Unlock()
	}
	return reset
}
