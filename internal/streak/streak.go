package streak

import (
	"time"

	"abobi.legal/advisor-service/internal/session"
)

// Data is the read-only streak view shown to the user.
type Data struct {
	Current        int    `json:"current"`
	LastActiveDate string `json:"lastActiveDate"`
	IsActiveToday  bool   `json:"isActiveToday"`
}

// Today returns the calendar date of now in loc, formatted like LastActiveDate.
func Today(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(session.DateLayout)
}

// NewProfile returns the profile of a wallet that has never been active.
func NewProfile(walletAddress string, now time.Time) session.Profile {
	return session.Profile{
		WalletAddress:  walletAddress,
		Streak:         0,
		LastActiveDate: "",
		TotalMessages:  0,
		CreatedAt:      now.UnixMilli(),
	}
}

// Advance records activity on today. Repeated calls on the same day return
// the profile unchanged. The streak grows only when today is exactly one
// calendar day after the last active date; any other gap, including a last
// active date in the future, restarts it at 1.
func Advance(p session.Profile, today string) session.Profile {
	if p.LastActiveDate == today {
		return p
	}

	next := p
	if consecutive(p.LastActiveDate, today) {
		next.Streak = p.Streak + 1
	} else {
		next.Streak = 1
	}
	next.LastActiveDate = today
	next.TotalMessages = p.TotalMessages + 1
	return next
}

// RecordMessage counts one exchange made on today. The first exchange of a
// day advances the streak as Advance does; later ones on the same day only
// add to TotalMessages.
func RecordMessage(p session.Profile, today string) session.Profile {
	if p.LastActiveDate != today {
		return Advance(p, today)
	}
	p.TotalMessages++
	return p
}

// Snapshot projects p for display without modifying it.
func Snapshot(p session.Profile, today string) Data {
	return Data{
		Current:        p.Streak,
		LastActiveDate: p.LastActiveDate,
		IsActiveToday:  p.LastActiveDate != "" && p.LastActiveDate == today,
	}
}

func consecutive(last, today string) bool {
	if last == "" {
		return false
	}
	l, err := time.Parse(session.DateLayout, last)
	if err != nil {
		return false
	}
	t, err := time.Parse(session.DateLayout, today)
	if err != nil {
		return false
	}
	// Both parse as UTC midnight, so a day is always exactly 24h.
	return t.Sub(l) == 24*time.Hour
}
