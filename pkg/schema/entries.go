package schema

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Entry is an element of a history list.
type Entry interface {
	EntryID() string
	EntryTime() string
}

// EntryMeta carries the fields shared by every history entry.
type EntryMeta struct {
	ID        string `json:"id,omitempty" bson:"id,omitempty"`
	Timestamp string `json:"timestamp" bson:"timestamp"`
}

func (m EntryMeta) EntryID() string   { return m.ID }
func (m EntryMeta) EntryTime() string { return m.Timestamp }

// MoodCategories is the fixed set of moods a check-in may record.
var MoodCategories = []string{
	"Very Positive",
	"Positive",
	"Neutral",
	"Negative",
	"Very Negative",
}

// Task priorities.
const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Focus session statuses.
const (
	FocusActive      = "active"
	FocusCompleted   = "completed"
	FocusInterrupted = "interrupted"
)

// MoodEntry is one mood check-in, optionally with the chat exchange that
// produced it.
type MoodEntry struct {
	EntryMeta   `bson:",inline"`
	Mood        string `json:"mood" bson:"mood"`
	UserMessage string `json:"user_message,omitempty" bson:"user_message,omitempty"`
	AIResponse  string `json:"ai_response,omitempty" bson:"ai_response,omitempty"`
	Style       string `json:"style,omitempty" bson:"style,omitempty"`
}

func (e MoodEntry) Validate() error {
	if !slices.Contains(MoodCategories, e.Mood) {
		return fmt.Errorf("unknown mood %q", e.Mood)
	}
	return nil
}

// TaskEntry is a to-do item. Its ID is its identity.
type TaskEntry struct {
	EntryMeta   `bson:",inline"`
	Title       string `json:"title" bson:"title"`
	Description string `json:"description" bson:"description"`
	Priority    string `json:"priority" bson:"priority"`
	DueDate     string `json:"due_date" bson:"due_date"`
	Status      string `json:"status" bson:"status"`
}

func (e TaskEntry) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("task title is required")
	}
	switch e.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("unknown priority %q", e.Priority)
	}
	return ValidateTaskStatus(e.Status)
}

// ValidateTaskStatus reports whether s is a known task status.
func ValidateTaskStatus(s string) error {
	switch s {
	case TaskPending, TaskCompleted:
		return nil
	}
	return fmt.Errorf("unknown task status %q", s)
}

// FocusEntry records one focus timer session.
type FocusEntry struct {
	EntryMeta       `bson:",inline"`
	Task            string `json:"task" bson:"task"`
	DurationMinutes int    `json:"duration" bson:"duration"`
	StartTime       string `json:"start_time" bson:"start_time"`
	EndTime         string `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Status          string `json:"status" bson:"status"`
}

func (e FocusEntry) Validate() error {
	if e.DurationMinutes < 0 {
		return fmt.Errorf("negative focus duration")
	}
	switch e.Status {
	case FocusActive, FocusCompleted, FocusInterrupted:
		return nil
	}
	return fmt.Errorf("unknown focus status %q", e.Status)
}

// ScheduleEntry stores a generated study schedule. GeneratedSchedule is
// opaque text.
type ScheduleEntry struct {
	EntryMeta         `bson:",inline"`
	Date              string   `json:"date" bson:"date"`
	Tasks             []string `json:"tasks" bson:"tasks"`
	Preferences       string   `json:"preferences" bson:"preferences"`
	GeneratedSchedule string   `json:"generated_schedule" bson:"generated_schedule"`
}

// ChatEntry is one line of the mood bot conversation.
type ChatEntry struct {
	EntryMeta `bson:",inline"`
	Role      string `json:"role" bson:"role"`
	Content   string `json:"content" bson:"content"`
}

// DecodeEntry converts a raw JSON object into the concrete entry type of kind.
func DecodeEntry(kind HistoryKind, raw []byte) (Entry, error) {
	var (
		e   Entry
		err error
	)
	switch kind {
	case KindMood:
		var v MoodEntry
		err = json.Unmarshal(raw, &v)
		e = v
	case KindFocus:
		var v FocusEntry
		err = json.Unmarshal(raw, &v)
		e = v
	case KindTask:
		var v TaskEntry
		err = json.Unmarshal(raw, &v)
		e = v
	case KindChat:
		var v ChatEntry
		err = json.Unmarshal(raw, &v)
		e = v
	case KindSchedule:
		var v ScheduleEntry
		err = json.Unmarshal(raw, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown history kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
