package session

import "time"

// Window is the part of a session the gating queries look at.
type Window struct {
	Status         Status
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

// Actions lists which user actions are currently offered for a session.
type Actions struct {
	CanStart     bool `json:"can_start"`
	CanEnd       bool `json:"can_end"`
	CanCancel    bool `json:"can_cancel"`
	CanTerminate bool `json:"can_terminate"`
}

// CanStart holds while the session is scheduled and now is inside
// [ScheduledStart, ScheduledEnd).
func CanStart(w Window, now time.Time) bool {
	return w.Status == StatusScheduled && !now.Before(w.ScheduledStart) && now.Before(w.ScheduledEnd)
}

func CanEnd(w Window) bool {
	return w.Status == StatusStarted
}

func CanTerminate(w Window) bool {
	return w.Status == StatusStarted
}

func CanCancel(w Window) bool {
	return w.Status == StatusScheduled
}

// Overdue reports a scheduled session whose window elapsed unused.
func Overdue(w Window, now time.Time) bool {
	return w.Status == StatusScheduled && !now.Before(w.ScheduledEnd)
}

// ActionsAt evaluates every gate at now.
func ActionsAt(w Window, now time.Time) Actions {
	return Actions{
		CanStart:     CanStart(w, now),
		CanEnd:       CanEnd(w),
		CanCancel:    CanCancel(w),
		CanTerminate: CanTerminate(w),
	}
}
