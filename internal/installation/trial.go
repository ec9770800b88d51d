package installation

import "time"

// DefaultTrialDays is the length of the free trial in local calendar days.
const DefaultTrialDays = 3

// ElapsedDays returns the number of local calendar-day boundaries crossed
// between anchor and now. Negative spans (clock set backwards) count as 0.
func ElapsedDays(anchor, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	a := anchor.In(loc)
	n := now.In(loc)
	start := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IsWithinTrial reports whether fewer than trialDays calendar days have
// elapsed since anchor.
func IsWithinTrial(anchor, now time.Time, loc *time.Location, trialDays int) bool {
	return ElapsedDays(anchor, now, loc) < trialDays
}

// DaysRemaining returns max(0, trialDays - elapsed).
func DaysRemaining(anchor, now time.Time, loc *time.Location, trialDays int) int {
	if left := trialDays - ElapsedDays(anchor, now, loc); left > 0 {
		return left
	}
	return 0
}
