package scaling

import (
	"fmt"
	"time"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// IsActive checks if an application should be running based on schedules and manual override.
func IsActive(schedules []opsv1.ScalingSchedule, manualActive *bool) bool {
	return IsActiveAt(schedules, manualActive, time.Now())
}

// IsActiveAt is IsActive evaluated at a fixed instant.
func IsActiveAt(schedules []opsv1.ScalingSchedule, manualActive *bool, at time.Time) bool {
	// Manual override takes priority if explicitly set (non-nil)
	if manualActive != nil {
		return *manualActive
	}

	hasValidSchedule := false
	for _, s := range schedules {
		if len(s.Days) == 0 {
			continue
		}
		hasValidSchedule = true

		now := at
		if s.Timezone != "" {
			if loc, err := time.LoadLocation(s.Timezone); err == nil {
				now = now.In(loc)
			}
		}

		weekday := int(now.Weekday())
		nowMinutes := now.Hour()*60 + now.Minute()

		matchesDay := false
		for _, d := range s.Days {
			if d == weekday {
				matchesDay = true
				break
			}
		}
		if !matchesDay {
			continue
		}

		startMin := parseMinutes(s.StartTime)
		endMin := parseMinutes(s.EndTime)
		if nowMinutes >= startMin && nowMinutes <= endMin {
			return true
		}
	}

	// Valid schedules exist but none are active now; no schedule means always on
	return !hasValidSchedule
}

// HasSchedule reports whether any schedule window is configured.
func HasSchedule(schedules []opsv1.ScalingSchedule) bool {
	for _, s := range schedules {
		if len(s.Days) > 0 {
			return true
		}
	}
	return false
}

// ActiveHoursPerWeek is the number of hours per week covered by schedules,
// capped at 168. Overlapping windows on the same day are counted once.
func ActiveHoursPerWeek(schedules []opsv1.ScalingSchedule) float64 {
	if !HasSchedule(schedules) {
		return 168
	}
	var minutes [7][1440]bool
	for _, s := range schedules {
		start, end := parseMinutes(s.StartTime), parseMinutes(s.EndTime)
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				continue
			}
			for m := start; m <= end && m < 1440; m++ {
				if m >= 0 {
					minutes[d][m] = true
				}
			}
		}
	}
	total := 0
	for d := range minutes {
		for m := range minutes[d] {
			if minutes[d][m] {
				total++
			}
		}
	}
	return float64(total) / 60
}

func parseMinutes(hhmm string) int {
	var h, m int
	fmt.Sscanf(hhmm, "%d:%d", &h, &m)
	return h*60 + m
}
