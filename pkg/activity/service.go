// Package activity is the record API used by the app: it saves and edits
// per-user history entries, serves filtered views and summaries, keeps the
// local cache in sync and runs email verification and buddy chats.
package activity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
	"github.com/mindspace-dev/mindspace-store/pkg/history"
	"github.com/mindspace-dev/mindspace-store/pkg/reconcile"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// DefaultSyncInterval is how often SyncIfDue reconciles a session.
const DefaultSyncInterval = 5 * time.Minute

// Mailer delivers email. body is HTML.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	SyncInterval time.Duration
	Retention    time.Duration
	// OtpKey encrypts verification codes at rest when set (32 bytes).
	OtpKey []byte
	// OtpSendInterval is the minimum spacing between codes sent to one address.
	OtpSendInterval time.Duration
	Mailer          Mailer
	Metrics         metrics.MetricsCollector
	Logger          *log.Logger
	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

type Service struct {
	router     *storage.Router
	reconciler *reconcile.Reconciler

	syncInterval time.Duration
	retention    time.Duration
	otpKey       []byte
	otpInterval  time.Duration
	mailer       Mailer
	metrics      metrics.MetricsCollector
	logger       *log.Logger
	clock        func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limSwept time.Time

	chatMu       sync.Mutex
	participants map[string][]string
}

// NewService builds the record API over router. reconciler may be nil, in
// which case sync operations report no change.
func NewService(router *storage.Router, reconciler *reconcile.Reconciler, opts Options) *Service {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = history.DefaultRetention
	}
	if opts.OtpSendInterval <= 0 {
		opts.OtpSendInterval = DefaultOtpSendInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		router:       router,
		reconciler:   reconciler,
		syncInterval: opts.SyncInterval,
		retention:    opts.Retention,
		otpKey:       opts.OtpKey,
		otpInterval:  opts.OtpSendInterval,
		mailer:       opts.Mailer,
		metrics:      metrics.OrNop(opts.Metrics),
		logger:       logger.OrDiscard(opts.Logger),
		clock:        opts.Clock,
		limiters:     make(map[string]*rate.Limiter),
		participants: make(map[string][]string),
	}
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrInvalidEntry, err)
}

// stamp fills an empty timestamp with the current UTC time.
func (s *Service) stamp(m *schema.EntryMeta) {
	if m.Timestamp == "" {
		m.Timestamp = s.now().Format(time.RFC3339Nano)
	}
}

func (s *Service) append(ctx context.Context, sess *Session, kind schema.HistoryKind, e schema.Entry) error {
	if err := s.router.AppendEntry(ctx, sess.UserID, kind, e); err != nil {
		return fmt.Errorf("save %s: %w", kind, err)
	}
	sess.forget()
	return nil
}

// SaveMoodEntry records a mood check-in and returns it with its timestamp and ID.
func (s *Service) SaveMoodEntry(ctx context.Context, sess *Session, e schema.MoodEntry) (schema.MoodEntry, error) {
	if err := e.Validate(); err != nil {
		return e, invalid(err)
	}
	s.stamp(&e.EntryMeta)
	if e.ID == "" {
		id, err := contentID(schema.KindMood, e)
		if err != nil {
			return e, err
		}
		e.ID = id
	}
	return e, s.append(ctx, sess, schema.KindMood, e)
}

// SaveTaskEntry adds a task. Priority defaults to Medium and status to pending.
func (s *Service) SaveTaskEntry(ctx context.Context, sess *Session, e schema.TaskEntry) (schema.TaskEntry, error) {
	if e.Priority == "" {
		e.Priority = schema.PriorityMedium
	}
	if e.Status == "" {
		e.Status = schema.TaskPending
	}
	if err := e.Validate(); err != nil {
		return e, invalid(err)
	}
	s.stamp(&e.EntryMeta)
	if e.ID == "" {
		e.ID = taskID()
	}
	return e, s.append(ctx, sess, schema.KindTask, e)
}

// SaveFocusEntry records a focus session. A session without a status is
// taken as completed, and one without a start time started at its timestamp.
func (s *Service) SaveFocusEntry(ctx context.Context, sess *Session, e schema.FocusEntry) (schema.FocusEntry, error) {
	if e.Status == "" {
		e.Status = schema.FocusCompleted
	}
	if err := e.Validate(); err != nil {
		return e, invalid(err)
	}
	s.stamp(&e.EntryMeta)
	if e.StartTime == "" {
		e.StartTime = e.Timestamp
	}
	if e.ID == "" {
		id, err := contentID(schema.KindFocus, e)
		if err != nil {
			return e, err
		}
		e.ID = id
	}
	return e, s.append(ctx, sess, schema.KindFocus, e)
}

func (s *Service) SaveSchedule(ctx context.Context, sess *Session, e schema.ScheduleEntry) (schema.ScheduleEntry, error) {
	if strings.TrimSpace(e.GeneratedSchedule) == "" {
		return e, invalid(fmt.Errorf("empty schedule"))
	}
	if e.Tasks == nil {
		e.Tasks = []string{}
	}
	s.stamp(&e.EntryMeta)
	if e.Date == "" {
		e.Date = s.now().Format(time.DateOnly)
	}
	if e.ID == "" {
		id, err := contentID(schema.KindSchedule, e)
		if err != nil {
			return e, err
		}
		e.ID = id
	}
	return e, s.append(ctx, sess, schema.KindSchedule, e)
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

func (s *Service) SaveChatEntry(ctx context.Context, sess *Session, e schema.ChatEntry) (schema.ChatEntry, error) {
	if e.Role != RoleUser && e.Role != RoleAssistant {
		return e, invalid(fmt.Errorf("unknown chat role %q", e.Role))
	}
	s.stamp(&e.EntryMeta)
	if e.ID == "" {
		id, err := contentID(schema.KindChat, e)
		if err != nil {
			return e, err
		}
		e.ID = id
	}
	return e, s.append(ctx, sess, schema.KindChat, e)
}

// UpdateTaskStatus sets the status of the task with taskID. Only that task
// changes, even when others share its title.
func (s *Service) UpdateTaskStatus(ctx context.Context, sess *Session, taskID, status string) (schema.TaskEntry, error) {
	if err := schema.ValidateTaskStatus(status); err != nil {
		return schema.TaskEntry{}, invalid(err)
	}
	tasks, err := s.editTasks(ctx, sess, taskID, func(tasks []schema.TaskEntry, i int) []schema.TaskEntry {
		tasks[i].Status = status
		return tasks
	})
	if err != nil {
		return schema.TaskEntry{}, err
	}
	i := slices.IndexFunc(tasks, func(t schema.TaskEntry) bool { return t.ID == taskID })
	return tasks[i], nil
}

// DeleteTask removes the task with taskID.
func (s *Service) DeleteTask(ctx context.Context, sess *Session, taskID string) error {
	_, err := s.editTasks(ctx, sess, taskID, func(tasks []schema.TaskEntry, i int) []schema.TaskEntry {
		return slices.Delete(tasks, i, i+1)
	})
	return err
}

func taskEntries(tasks []schema.TaskEntry) []schema.Entry {
	entries := make([]schema.Entry, len(tasks))
	for j := range tasks {
		entries[j] = tasks[j]
	}
	return entries
}

// editTasks locates taskID in the full, unfiltered task list, applies edit
// and writes the list back. The local cache gets the same edit, otherwise
// the next reconcile would push its stale copy of the task back.
func (s *Service) editTasks(ctx context.Context, sess *Session, taskID string, edit func([]schema.TaskEntry, int) []schema.TaskEntry) ([]schema.TaskEntry, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: empty task id", storage.ErrInvalidID)
	}
	rec, err := s.router.Get(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(rec.TaskHistory, func(t schema.TaskEntry) bool { return t.ID == taskID })
	if i < 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, storage.ErrNotFound)
	}
	tasks := edit(slices.Clone(rec.TaskHistory), i)

	if err := s.router.ReplaceList(ctx, sess.UserID, schema.KindTask, taskEntries(tasks)); err != nil {
		return nil, fmt.Errorf("save tasks: %w", err)
	}
	sess.forget()

	if err := s.editLocalTasks(ctx, sess.UserID, taskID, edit); err != nil {
		s.logger.Warn("Applying task edit to local cache failed", "user", sess.UserID, "task", taskID, "error", err)
	}
	return tasks, nil
}

// editLocalTasks applies edit to the local copy of taskID, if there is one.
func (s *Service) editLocalTasks(ctx context.Context, userID, taskID string, edit func([]schema.TaskEntry, int) []schema.TaskEntry) error {
	local := s.router.Local()
	rec, err := local.Get(ctx, userID)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(rec.TaskHistory, func(t schema.TaskEntry) bool { return t.ID == taskID })
	if i < 0 {
		return nil
	}
	tasks := edit(slices.Clone(rec.TaskHistory), i)
	return local.ReplaceList(ctx, userID, schema.KindTask, taskEntries(tasks))
}

// HistoryQuery selects the history view returned by GetHistory.
type HistoryQuery struct {
	WindowDays *int
	Moods      []string
	// Sync reconciles the local cache with the remote store before reading.
	Sync bool
}

// GetHistory returns the user's filtered history and caches it in sess.
// A failed sync is logged and the read proceeds.
func (s *Service) GetHistory(ctx context.Context, sess *Session, q HistoryQuery) (*schema.UserRecord, error) {
	for _, m := range q.Moods {
		if !slices.Contains(schema.MoodCategories, m) {
			return nil, invalid(fmt.Errorf("unknown mood %q", m))
		}
	}
	if q.WindowDays != nil && *q.WindowDays < 0 {
		return nil, invalid(fmt.Errorf("negative window"))
	}
	if q.Sync {
		if _, err := s.Reconcile(ctx, sess); err != nil {
			s.logger.Warn("Sync before history read failed", "user", sess.UserID, "error", err)
		}
	}

	rec, err := s.router.Get(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	view := history.Filter(rec, history.Options{WindowDays: q.WindowDays, Moods: q.Moods, Now: s.now()})
	sess.remember(view)
	return view, nil
}

// GetSummary aggregates the history inside the window (all of it when nil).
func (s *Service) GetSummary(ctx context.Context, sess *Session, windowDays *int) (history.Summary, error) {
	rec, err := s.GetHistory(ctx, sess, HistoryQuery{WindowDays: windowDays})
	if err != nil {
		return history.Summary{}, err
	}
	return history.Summarize(rec), nil
}

func (s *Service) GetUserProfile(ctx context.Context, sess *Session) (schema.Profile, error) {
	rec, err := s.router.Get(ctx, sess.UserID)
	if err != nil {
		return schema.Profile{}, err
	}
	return rec.Profile, nil
}

// UpdateUserProfile replaces bio and interests. Blank interests are dropped.
func (s *Service) UpdateUserProfile(ctx context.Context, sess *Session, bio string, interests []string) error {
	clean := make([]string, 0, len(interests))
	for _, in := range interests {
		if in = strings.TrimSpace(in); in != "" && !slices.Contains(clean, in) {
			clean = append(clean, in)
		}
	}
	if err := s.router.UpdateProfile(ctx, sess.UserID, strings.TrimSpace(bio), clean); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	sess.forget()
	return nil
}

func (s *Service) GetSettings(ctx context.Context, sess *Session) (schema.Settings, error) {
	rec, err := s.router.Get(ctx, sess.UserID)
	if err != nil {
		return schema.Settings{}, err
	}
	return rec.Settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, sess *Session, settings schema.Settings) error {
	switch settings.Theme {
	case "light", "dark":
	case "":
		settings.Theme = schema.DefaultSettings().Theme
	default:
		return invalid(fmt.Errorf("unknown theme %q", settings.Theme))
	}
	if err := s.router.UpdateSettings(ctx, sess.UserID, settings); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	sess.forget()
	return nil
}

// CleanupOldData drops entries older than the retention window and returns
// how many were removed.
func (s *Service) CleanupOldData(ctx context.Context, sess *Session) (int, error) {
	rec, err := s.router.Get(ctx, sess.UserID)
	if err != nil {
		return 0, err
	}
	pruned, removed := history.Prune(rec, s.retention, s.now())
	if removed == 0 {
		return 0, nil
	}
	if err := s.router.PutRecord(ctx, pruned); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	sess.forget()
	s.logger.Info("Pruned old history", "user", sess.UserID, "removed", removed)
	return removed, nil
}

// Reconcile merges the session user's local-only entries into the remote store.
func (s *Service) Reconcile(ctx context.Context, sess *Session) (bool, error) {
	if s.reconciler == nil {
		return false, nil
	}
	changed, err := s.reconciler.Reconcile(ctx, sess.UserID)
	if err != nil {
		return changed, err
	}
	sess.synced(s.now())
	if changed {
		sess.forget()
	}
	return changed, nil
}

// SyncIfDue reconciles when the last sync is older than the sync interval.
func (s *Service) SyncIfDue(ctx context.Context, sess *Session) (bool, error) {
	if last := sess.LastSync(); !last.IsZero() && s.now().Sub(last) < s.syncInterval {
		return false, nil
	}
	return s.Reconcile(ctx, sess)
}
