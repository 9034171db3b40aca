package core

import (
	"time"

	"github.com/robfig/cron/v3"
)

// intervalSchedule fires every `every` starting at start, never after end.
// A zero time from Next tells cron the entry is exhausted.
type intervalSchedule struct {
	every time.Duration
	start time.Time
	end   time.Time
}

// NewIntervalSchedule builds a fixed-interval schedule anchored at start.
// A nil end leaves the schedule unbounded.
func NewIntervalSchedule(every time.Duration, start time.Time, end *time.Time) cron.Schedule {
	s := &intervalSchedule{every: every, start: start}
	if end != nil {
		s.end = *end
	}
	return s
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	if s.every <= 0 {
		return time.Time{}
	}
	next := s.start
	if !t.Before(s.start) {
		n := t.Sub(s.start)/s.every + 1
		next = s.start.Add(n * s.every)
	}
	if !s.end.IsZero() && next.After(s.end) {
		return time.Time{}
	}
	return next
}

// onceSchedule fires a single time at `at`.
type onceSchedule struct {
	at time.Time
}

// NewOnceSchedule builds a schedule that fires exactly once.
func NewOnceSchedule(at time.Time) cron.Schedule {
	return &onceSchedule{at: at}
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// NextOccurrences returns up to n execution times after base. It stops early when the
// schedule is exhausted.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
