// Package schema defines the data structures persisted by every MindSpace storage backend.
package schema

import (
	"fmt"
	"time"
)

// HistoryKind names one of the per-user history lists.
// The string value is the field name used in every stored document.
type HistoryKind string

const (
	KindMood     HistoryKind = "mood_history"
	KindFocus    HistoryKind = "focus_history"
	KindTask     HistoryKind = "task_history"
	KindChat     HistoryKind = "chat_history"
	KindSchedule HistoryKind = "schedules"
)

// Kinds returns every history list a UserRecord carries.
func Kinds() []HistoryKind {
	return []HistoryKind{KindMood, KindFocus, KindTask, KindChat, KindSchedule}
}

// TrackedKinds returns the lists the reconciler merges between backends.
func TrackedKinds() []HistoryKind {
	return []HistoryKind{KindMood, KindFocus, KindTask, KindChat, KindSchedule}
}

// FilterableKinds returns the lists subject to time-window filtering.
func FilterableKinds() []HistoryKind {
	return []HistoryKind{KindMood, KindFocus, KindTask}
}

// ParseKind validates an externally supplied list name.
func ParseKind(s string) (HistoryKind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown history kind %q", s)
}

// Profile is the nested profile sub-object of a UserRecord.
type Profile struct {
	Bio       string   `json:"bio" bson:"bio"`
	Interests []string `json:"interests" bson:"interests"`
	Name      string   `json:"name,omitempty" bson:"name,omitempty"`
	Email     string   `json:"email,omitempty" bson:"email,omitempty"`
}

// Settings holds per-user preferences.
type Settings struct {
	Theme                string `json:"theme" bson:"theme"`
	NotificationsEnabled bool   `json:"notifications_enabled" bson:"notifications_enabled"`
}

// DefaultSettings returns the settings of a freshly created user.
func DefaultSettings() Settings {
	return Settings{Theme: "light", NotificationsEnabled: true}
}

// UserRecord is the unit of persistence: one document per user.
type UserRecord struct {
	UserID       string          `json:"user_id" bson:"_id"`
	Profile      Profile         `json:"profile" bson:"profile"`
	Settings     Settings        `json:"settings" bson:"settings"`
	MoodHistory  []MoodEntry     `json:"mood_history" bson:"mood_history"`
	FocusHistory []FocusEntry    `json:"focus_history" bson:"focus_history"`
	TaskHistory  []TaskEntry     `json:"task_history" bson:"task_history"`
	ChatHistory  []ChatEntry     `json:"chat_history" bson:"chat_history"`
	Schedules    []ScheduleEntry `json:"schedules" bson:"schedules"`
	CreatedAt    string          `json:"created_at,omitempty" bson:"created_at,omitempty"`
}

// NewUserRecord returns the empty record used when no document exists yet.
func NewUserRecord(userID string) *UserRecord {
	rec := &UserRecord{
		UserID:   userID,
		Settings: DefaultSettings(),
	}
	rec.Normalize()
	return rec
}

// Normalize replaces nil lists with empty ones so documents always
// serialize lists as arrays.
func (r *UserRecord) Normalize() {
	if r.MoodHistory == nil {
		r.MoodHistory = []MoodEntry{}
	}
	if r.FocusHistory == nil {
		r.FocusHistory = []FocusEntry{}
	}
	if r.TaskHistory == nil {
		r.TaskHistory = []TaskEntry{}
	}
	if r.ChatHistory == nil {
		r.ChatHistory = []ChatEntry{}
	}
	if r.Schedules == nil {
		r.Schedules = []ScheduleEntry{}
	}
	if r.Profile.Interests == nil {
		r.Profile.Interests = []string{}
	}
}

// Clone returns a deep copy of the record.
func (r *UserRecord) Clone() *UserRecord {
	c := *r
	c.Profile.Interests = append([]string(nil), r.Profile.Interests...)
	c.MoodHistory = append([]MoodEntry(nil), r.MoodHistory...)
	c.FocusHistory = append([]FocusEntry(nil), r.FocusHistory...)
	c.TaskHistory = append([]TaskEntry(nil), r.TaskHistory...)
	c.ChatHistory = append([]ChatEntry(nil), r.ChatHistory...)
	c.Schedules = make([]ScheduleEntry, len(r.Schedules))
	for i, s := range r.Schedules {
		s.Tasks = append([]string(nil), s.Tasks...)
		c.Schedules[i] = s
	}
	c.Normalize()
	return &c
}

// List returns the entries of the given history list.
func (r *UserRecord) List(kind HistoryKind) []Entry {
	var out []Entry
	switch kind {
	case KindMood:
		out = make([]Entry, len(r.MoodHistory))
		for i := range r.MoodHistory {
			out[i] = r.MoodHistory[i]
		}
	case KindFocus:
		out = make([]Entry, len(r.FocusHistory))
		for i := range r.FocusHistory {
			out[i] = r.FocusHistory[i]
		}
	case KindTask:
		out = make([]Entry, len(r.TaskHistory))
		for i := range r.TaskHistory {
			out[i] = r.TaskHistory[i]
		}
	case KindChat:
		out = make([]Entry, len(r.ChatHistory))
		for i := range r.ChatHistory {
			out[i] = r.ChatHistory[i]
		}
	case KindSchedule:
		out = make([]Entry, len(r.Schedules))
		for i := range r.Schedules {
			out[i] = r.Schedules[i]
		}
	}
	return out
}

// SetList overwrites a history list. Every entry must have the concrete
// type belonging to kind.
func (r *UserRecord) SetList(kind HistoryKind, entries []Entry) error {
	switch kind {
	case KindMood:
		list := make([]MoodEntry, 0, len(entries))
		for _, e := range entries {
			v, ok := e.(MoodEntry)
			if !ok {
				return entryTypeError(kind, e)
			}
			list = append(list, v)
		}
		r.MoodHistory = list
	case KindFocus:
		list := make([]FocusEntry, 0, len(entries))
		for _, e := range entries {
			v, ok := e.(FocusEntry)
			if !ok {
				return entryTypeError(kind, e)
			}
			list = append(list, v)
		}
		r.FocusHistory = list
	case KindTask:
		list := make([]TaskEntry, 0, len(entries))
		for _, e := range entries {
			v, ok := e.(TaskEntry)
			if !ok {
				return entryTypeError(kind, e)
			}
			list = append(list, v)
		}
		r.TaskHistory = list
	case KindChat:
		list := make([]ChatEntry, 0, len(entries))
		for _, e := range entries {
			v, ok := e.(ChatEntry)
			if !ok {
				return entryTypeError(kind, e)
			}
			list = append(list, v)
		}
		r.ChatHistory = list
	case KindSchedule:
		list := make([]ScheduleEntry, 0, len(entries))
		for _, e := range entries {
			v, ok := e.(ScheduleEntry)
			if !ok {
				return entryTypeError(kind, e)
			}
			list = append(list, v)
		}
		r.Schedules = list
	default:
		return fmt.Errorf("unknown history kind %q", kind)
	}
	return nil
}

// Append adds one entry to the end of a history list.
func (r *UserRecord) Append(kind HistoryKind, e Entry) error {
	list := r.List(kind)
	return r.SetList(kind, append(list, e))
}

func entryTypeError(kind HistoryKind, e Entry) error {
	return fmt.Errorf("entry of type %T does not belong to %s", e, kind)
}

// NowUTC formats the current time the way entries are stamped.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
