package history

import (
	"testing"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	cases := []string{
		"2024-06-01T08:30:00",
		"2024-06-01T08:30:00.000000",
		"2024-06-01 08:30:00",
		"2024-06-01T08:30:00Z",
		"2024-06-01T08:30:00+00:00",
		"2024-06-01T10:30:00+02:00",
		"2024-06-01T03:30:00.000-05:00",
		"2024-06-01T08:30",
	}
	for _, s := range cases {
		got, ok := ParseTimestamp(s)
		if !ok {
			t.Errorf("ParseTimestamp(%q) failed", s)
			continue
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", s, got, want)
		}
	}

	if d, ok := ParseTimestamp("2024-06-01"); !ok || !d.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date-only form: %v %v", d, ok)
	}

	for _, bad := range []string{"", "yesterday", "2024-13-01T00:00:00", "01/06/2024"} {
		if _, ok := ParseTimestamp(bad); ok {
			t.Errorf("ParseTimestamp(%q) should fail", bad)
		}
	}
}

func mood(id, ts, m string) schema.MoodEntry {
	return schema.MoodEntry{EntryMeta: schema.EntryMeta{ID: id, Timestamp: ts}, Mood: m}
}

// Entries at t-10d, t-1d and t-40d: a 7-day window keeps only t-1d, whether
// the timestamp is naive or carries an offset.
func TestFilter_WindowAcrossTimestampForms(t *testing.T) {
	forms := map[string]func(time.Time) string{
		"naive":  func(t time.Time) string { return t.Format("2006-01-02T15:04:05.000000") },
		"utc":    func(t time.Time) string { return t.Format(time.RFC3339) },
		"offset": func(t time.Time) string { return t.In(time.FixedZone("", 5*3600+1800)).Format(time.RFC3339) },
	}
	for name, format := range forms {
		t.Run(name, func(t *testing.T) {
			rec := schema.NewUserRecord("u1")
			for _, d := range []int{10, 1, 40} {
				ts := format(now.AddDate(0, 0, -d))
				rec.MoodHistory = append(rec.MoodHistory, mood("m"+ts, ts, "Neutral"))
				rec.TaskHistory = append(rec.TaskHistory, schema.TaskEntry{EntryMeta: schema.EntryMeta{ID: "t" + ts, Timestamp: ts}})
				rec.FocusHistory = append(rec.FocusHistory, schema.FocusEntry{EntryMeta: schema.EntryMeta{Timestamp: ts}})
			}

			out := Filter(rec, Options{WindowDays: Days(7), Now: now})

			want := format(now.AddDate(0, 0, -1))
			if len(out.MoodHistory) != 1 || out.MoodHistory[0].Timestamp != want {
				t.Errorf("mood: got %+v", out.MoodHistory)
			}
			if len(out.TaskHistory) != 1 || out.TaskHistory[0].Timestamp != want {
				t.Errorf("task: got %+v", out.TaskHistory)
			}
			if len(out.FocusHistory) != 1 {
				t.Errorf("focus: got %+v", out.FocusHistory)
			}
			if len(rec.MoodHistory) != 3 {
				t.Error("Filter mutated its input")
			}
		})
	}
}

func TestFilter_UnparseableDropped(t *testing.T) {
	rec := schema.NewUserRecord("u1")
	rec.MoodHistory = []schema.MoodEntry{mood("a", "garbage", "Neutral"), mood("b", "", "Neutral"), mood("c", "2024-06-14T00:00:00", "Neutral")}

	out := Filter(rec, Options{WindowDays: Days(7), Now: now})
	if len(out.MoodHistory) != 1 || out.MoodHistory[0].ID != "c" {
		t.Errorf("Expected only the dated entry, got %+v", out.MoodHistory)
	}

	// Without a window nothing is dropped
	out = Filter(rec, Options{Now: now})
	if len(out.MoodHistory) != 3 {
		t.Errorf("Expected all entries without a window, got %d", len(out.MoodHistory))
	}
}

func TestFilter_MoodCategoriesOnlyAffectMoods(t *testing.T) {
	rec := schema.NewUserRecord("u1")
	rec.MoodHistory = []schema.MoodEntry{
		mood("1", "2024-06-14T00:00:00", "Positive"),
		mood("2", "2024-06-14T00:00:00", "Negative"),
		mood("3", "2024-06-14T00:00:00", "Very Positive"),
	}
	rec.TaskHistory = []schema.TaskEntry{{EntryMeta: schema.EntryMeta{ID: "t", Timestamp: "2024-06-14T00:00:00"}, Status: "pending"}}
	rec.ChatHistory = []schema.ChatEntry{{EntryMeta: schema.EntryMeta{Timestamp: "2000-01-01T00:00:00"}, Role: "user"}}
	rec.Schedules = []schema.ScheduleEntry{{EntryMeta: schema.EntryMeta{Timestamp: "bad"}}}

	out := Filter(rec, Options{WindowDays: Days(7), Moods: []string{"Positive", "Very Positive"}, Now: now})
	if len(out.MoodHistory) != 2 || out.MoodHistory[0].ID != "1" || out.MoodHistory[1].ID != "3" {
		t.Errorf("Unexpected moods %+v", out.MoodHistory)
	}
	if len(out.TaskHistory) != 1 {
		t.Errorf("Mood filter touched tasks: %+v", out.TaskHistory)
	}
	if len(out.ChatHistory) != 1 || len(out.Schedules) != 1 {
		t.Errorf("Chat and schedules must never be filtered: %+v %+v", out.ChatHistory, out.Schedules)
	}
}

func TestPrune(t *testing.T) {
	rec := schema.NewUserRecord("u1")
	rec.MoodHistory = []schema.MoodEntry{
		mood("old", "2022-01-01T00:00:00", "Neutral"),
		mood("new", "2024-06-01T00:00:00", "Neutral"),
		mood("undated", "n/a", "Neutral"),
	}
	rec.Schedules = []schema.ScheduleEntry{{EntryMeta: schema.EntryMeta{Timestamp: "2021-01-01T00:00:00Z"}}}
	rec.ChatHistory = []schema.ChatEntry{{EntryMeta: schema.EntryMeta{Timestamp: "2021-01-01T00:00:00Z"}}}

	out, removed := Prune(rec, DefaultRetention, now)
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if len(out.MoodHistory) != 2 || out.MoodHistory[0].ID != "new" || out.MoodHistory[1].ID != "undated" {
		t.Errorf("Unexpected moods %+v", out.MoodHistory)
	}
	if len(out.Schedules) != 0 {
		t.Errorf("Old schedule kept: %+v", out.Schedules)
	}
	if len(out.ChatHistory) != 1 {
		t.Error("Chat history is not subject to retention")
	}
}

func TestSummarize(t *testing.T) {
	rec := schema.NewUserRecord("u1")
	rec.MoodHistory = []schema.MoodEntry{
		mood("1", "2024-06-15T09:00:00", "Positive"),
		mood("2", "2024-06-15T10:00:00", "Positive"),
		mood("3", "2024-06-14T09:00:00", "Negative"),
	}
	rec.FocusHistory = []schema.FocusEntry{
		{EntryMeta: schema.EntryMeta{Timestamp: "2024-06-13T09:00:00"}, DurationMinutes: 25},
		{EntryMeta: schema.EntryMeta{Timestamp: "2024-06-13T11:00:00"}, DurationMinutes: 50},
	}
	rec.TaskHistory = []schema.TaskEntry{
		{EntryMeta: schema.EntryMeta{ID: "a", Timestamp: "2024-06-11T00:00:00"}, Status: "completed"},
		{EntryMeta: schema.EntryMeta{ID: "b", Timestamp: "2024-06-11T00:00:00"}, Status: "pending"},
		{EntryMeta: schema.EntryMeta{ID: "c", Timestamp: "2024-06-11T00:00:00"}, Status: "completed"},
		{EntryMeta: schema.EntryMeta{ID: "d", Timestamp: "2024-06-11T00:00:00"}, Status: "completed"},
	}

	s := Summarize(rec)
	if s.MoodCounts["Positive"] != 2 || s.MoodCounts["Negative"] != 1 || s.MoodCounts["Neutral"] != 0 {
		t.Errorf("Unexpected mood counts %v", s.MoodCounts)
	}
	if s.FocusSessions != 2 || s.FocusMinutes != 75 || s.AvgFocusMinutes != 37.5 {
		t.Errorf("Unexpected focus stats %+v", s)
	}
	if s.TotalTasks != 4 || s.CompletedTasks != 3 || s.CompletionRate != 75 {
		t.Errorf("Unexpected task stats %+v", s)
	}
	// 15th, 14th, 13th are consecutive; the 11th is after a gap
	if s.Streak != 3 {
		t.Errorf("Expected streak 3, got %d", s.Streak)
	}

	if Summarize(schema.NewUserRecord("empty")).Streak != 0 {
		t.Error("Empty record should have no streak")
	}
}
