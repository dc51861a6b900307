package history

import (
	"sort"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

// Summary aggregates a (usually filtered) user record for the dashboard.
type Summary struct {
	MoodCounts map[string]int `json:"mood_counts"`

	FocusSessions   int     `json:"focus_sessions"`
	FocusMinutes    int     `json:"focus_minutes"`
	AvgFocusMinutes float64 `json:"avg_focus_minutes"`

	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	CompletionRate float64 `json:"completion_rate"` // percent

	// Streak counts consecutive activity days ending at the latest one.
	Streak int `json:"streak"`
}

// Summarize computes the dashboard statistics for rec.
func Summarize(rec *schema.UserRecord) Summary {
	s := Summary{MoodCounts: make(map[string]int, len(schema.MoodCategories))}
	for _, m := range schema.MoodCategories {
		s.MoodCounts[m] = 0
	}
	for _, e := range rec.MoodHistory {
		s.MoodCounts[e.Mood]++
	}

	s.FocusSessions = len(rec.FocusHistory)
	for _, e := range rec.FocusHistory {
		s.FocusMinutes += e.DurationMinutes
	}
	if s.FocusSessions > 0 {
		s.AvgFocusMinutes = float64(s.FocusMinutes) / float64(s.FocusSessions)
	}

	s.TotalTasks = len(rec.TaskHistory)
	for _, e := range rec.TaskHistory {
		if e.Status == schema.TaskCompleted {
			s.CompletedTasks++
		}
	}
	if s.TotalTasks > 0 {
		s.CompletionRate = float64(s.CompletedTasks) / float64(s.TotalTasks) * 100
	}

	s.Streak = Streak(rec)
	return s
}

// Streak returns the number of consecutive days with at least one mood,
// focus or task entry, counting back from the most recent such day.
func Streak(rec *schema.UserRecord) int {
	seen := make(map[time.Time]bool)
	for _, kind := range schema.FilterableKinds() {
		for _, e := range rec.List(kind) {
			if t, ok := ParseTimestamp(e.EntryTime()); ok {
				seen[t.Truncate(24*time.Hour)] = true
			}
		}
	}
	if len(seen) == 0 {
		return 0
	}

	days := make([]time.Time, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	streak := 1
	for i := 1; i < len(days); i++ {
		if !days[i].Equal(days[i-1].AddDate(0, 0, -1)) {
			break
		}
		streak++
	}
	return streak
}
