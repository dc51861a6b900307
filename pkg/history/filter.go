package history

import (
	"slices"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

// Options selects which entries Filter keeps.
type Options struct {
	// WindowDays keeps mood, focus and task entries no older than this many
	// days. Nil disables the time window.
	WindowDays *int
	// Moods keeps only mood entries with one of these moods. Empty disables
	// the mood filter. Focus and task lists are never mood-filtered.
	Moods []string
	// Now is the reference time. Zero means time.Now().
	Now time.Time
}

// Days is a convenience for building Options.WindowDays.
func Days(n int) *int {
	return &n
}

// Filter returns a filtered copy of rec. Chat and schedule lists are copied
// unfiltered. Entries whose timestamps cannot be parsed fall outside every
// time window.
func Filter(rec *schema.UserRecord, opts Options) *schema.UserRecord {
	out := rec.Clone()

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if opts.WindowDays != nil {
		cutoff := now.UTC().AddDate(0, 0, -*opts.WindowDays)
		for _, kind := range schema.FilterableKinds() {
			kept := keep(out.List(kind), func(e schema.Entry) bool {
				t, ok := ParseTimestamp(e.EntryTime())
				return ok && !t.Before(cutoff)
			})
			// kept entries come from the same list, so the types always match
			_ = out.SetList(kind, kept)
		}
	}

	if len(opts.Moods) > 0 {
		out.MoodHistory = slices.DeleteFunc(out.MoodHistory, func(e schema.MoodEntry) bool {
			return !slices.Contains(opts.Moods, e.Mood)
		})
	}

	out.Normalize()
	return out
}

func keep(entries []schema.Entry, pred func(schema.Entry) bool) []schema.Entry {
	kept := make([]schema.Entry, 0, len(entries))
	for _, e := range entries {
		if pred(e) {
			kept = append(kept, e)
		}
	}
	return kept
}

// DefaultRetention is how long history entries are kept by Prune.
const DefaultRetention = 365 * 24 * time.Hour

// Prune returns a copy of rec without mood, focus, task and schedule
// entries older than maxAge, and the number of entries removed. Entries
// that cannot be dated are kept.
func Prune(rec *schema.UserRecord, maxAge time.Duration, now time.Time) (*schema.UserRecord, int) {
	out := rec.Clone()
	cutoff := now.UTC().Add(-maxAge)
	removed := 0

	for _, kind := range []schema.HistoryKind{schema.KindMood, schema.KindFocus, schema.KindTask, schema.KindSchedule} {
		list := out.List(kind)
		kept := keep(list, func(e schema.Entry) bool {
			t, ok := ParseTimestamp(e.EntryTime())
			return !ok || t.After(cutoff)
		})
		removed += len(list) - len(kept)
		_ = out.SetList(kind, kept)
	}
	return out, removed
}
