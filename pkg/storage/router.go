package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

// DefaultCallTimeout bounds every remote call made through the Router.
const DefaultCallTimeout = 5 * time.Second

// RouterOptions configures a Router.
type RouterOptions struct {
	ProbeTimeout time.Duration
	CallTimeout  time.Duration
	Metrics      metrics.MetricsCollector
	Logger       *log.Logger
}

// Router is the fallback router: it sends each operation to the remote
// store when the probe passes and to the local store when the probe fails
// or the remote call errors. Nothing about remote health outlives a call.
type Router struct {
	remote      Backend
	local       *LocalBackend
	probe       *Probe
	callTimeout time.Duration
	metrics     metrics.MetricsCollector
	logger      *log.Logger
}

// NewRouter composes remote (which may be nil) and local.
func NewRouter(remote Backend, local *LocalBackend, opts RouterOptions) *Router {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	m := metrics.OrNop(opts.Metrics)
	l := logger.OrDiscard(opts.Logger)

	var pinger Pinger
	if remote != nil {
		pinger = remote
	}
	return &Router{
		remote:      remote,
		local:       local,
		probe:       NewProbe(pinger, opts.ProbeTimeout, m, l),
		callTimeout: opts.CallTimeout,
		metrics:     m,
		logger:      l,
	}
}

// Remote returns the remote backend, or nil when none is configured.
func (r *Router) Remote() Backend { return r.remote }

// Local returns the local backend.
func (r *Router) Local() *LocalBackend { return r.local }

// Available runs the availability probe.
func (r *Router) Available(ctx context.Context) bool {
	return r.probe.Available(ctx)
}

// RemoteContext derives the deadline used for a single remote call.
func (r *Router) RemoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout)
}

// do runs fn against the remote when it is available, then against the
// local store if that was skipped or failed. Local errors propagate.
func (r *Router) do(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	if r.probe.Available(ctx) {
		rctx, cancel := r.RemoteContext(ctx)
		err := fn(rctx, r.remote)
		cancel()
		if err == nil {
			return nil
		}
		if isValidation(err) {
			return err
		}
		r.logger.Warn("Remote write failed, using local store", "op", op, "error", err)
		r.metrics.RecordFallback(op)
	} else if r.remote != nil {
		r.metrics.RecordFallback(op)
	}
	return fn(ctx, r.local)
}

func isValidation(err error) bool {
	return errors.Is(err, ErrInvalidID) || errors.Is(err, ErrInvalidEntry)
}

// Get returns the remote document when the remote is available and holds
// one, and the local record otherwise. It never returns ErrNotFound.
func (r *Router) Get(ctx context.Context, userID string) (*schema.UserRecord, error) {
	if err := ValidateID(userID); err != nil {
		return nil, err
	}
	if r.probe.Available(ctx) {
		rctx, cancel := r.RemoteContext(ctx)
		rec, err := r.remote.Get(rctx, userID)
		cancel()
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, ErrNotFound):
			r.logger.Debug("No remote document, reading local", "user", userID)
		default:
			r.logger.Warn("Remote read failed, using local store", "op", "get", "error", err)
			r.metrics.RecordFallback("get")
		}
	}
	return r.local.Get(ctx, userID)
}

func (r *Router) AppendEntry(ctx context.Context, userID string, kind schema.HistoryKind, entry schema.Entry) error {
	if err := ValidateID(userID); err != nil {
		return err
	}
	return r.do(ctx, "append_entry", func(ctx context.Context, b Backend) error {
		return b.AppendEntry(ctx, userID, kind, entry)
	})
}

func (r *Router) ReplaceList(ctx context.Context, userID string, kind schema.HistoryKind, entries []schema.Entry) error {
	if err := ValidateID(userID); err != nil {
		return err
	}
	return r.do(ctx, "replace_list", func(ctx context.Context, b Backend) error {
		return b.ReplaceList(ctx, userID, kind, entries)
	})
}

func (r *Router) UpdateProfile(ctx context.Context, userID, bio string, interests []string) error {
	if err := ValidateID(userID); err != nil {
		return err
	}
	return r.do(ctx, "update_profile", func(ctx context.Context, b Backend) error {
		return b.UpdateProfile(ctx, userID, bio, interests)
	})
}

func (r *Router) UpdateSettings(ctx context.Context, userID string, settings schema.Settings) error {
	if err := ValidateID(userID); err != nil {
		return err
	}
	return r.do(ctx, "update_settings", func(ctx context.Context, b Backend) error {
		return b.UpdateSettings(ctx, userID, settings)
	})
}

func (r *Router) PutRecord(ctx context.Context, rec *schema.UserRecord) error {
	if err := ValidateID(rec.UserID); err != nil {
		return err
	}
	return r.do(ctx, "put_record", func(ctx context.Context, b Backend) error {
		return b.PutRecord(ctx, rec)
	})
}

// --- OTP challenges ---

// PutChallenge stores c where writes currently go. A copy left in the
// local store by an earlier outage is removed so it cannot shadow c.
func (r *Router) PutChallenge(ctx context.Context, c schema.OtpChallenge) error {
	var written Backend
	err := r.do(ctx, "put_challenge", func(ctx context.Context, b Backend) error {
		written = b
		return b.PutChallenge(ctx, c)
	})
	if err != nil {
		return err
	}
	if written != Backend(r.local) {
		if err := r.local.DeleteChallenge(ctx, c.Email); err != nil {
			r.logger.Warn("Removing superseded local challenge failed", "error", err)
		}
	}
	return nil
}

// FindChallenge returns the outstanding challenge for email and the store
// holding it, so the caller can update or consume it where it lives. When
// both stores hold one, the later-expiring (newer) challenge wins and the
// other is discarded.
func (r *Router) FindChallenge(ctx context.Context, email string) (schema.OtpChallenge, ChallengeStore, error) {
	local, lerr := r.local.GetChallenge(ctx, email)
	if lerr != nil && !errors.Is(lerr, ErrNotFound) {
		return local, nil, lerr
	}

	if r.probe.Available(ctx) {
		rctx, cancel := r.RemoteContext(ctx)
		remote, err := r.remote.GetChallenge(rctx, email)
		cancel()
		switch {
		case err == nil && lerr == nil:
			if expiry(local).After(expiry(remote)) {
				r.discardChallenge(ctx, r.remote, email)
				return local, r.local, nil
			}
			r.discardChallenge(ctx, r.local, email)
			return remote, r.remote, nil
		case err == nil:
			return remote, r.remote, nil
		case !errors.Is(err, ErrNotFound):
			r.logger.Warn("Remote challenge lookup failed, using local store", "error", err)
			r.metrics.RecordFallback("get_challenge")
		}
	}

	if lerr != nil {
		return local, nil, lerr
	}
	return local, r.local, nil
}

func (r *Router) discardChallenge(ctx context.Context, store ChallengeStore, email string) {
	if store != ChallengeStore(r.local) {
		rctx, cancel := r.RemoteContext(ctx)
		defer cancel()
		ctx = rctx
	}
	if err := store.DeleteChallenge(ctx, email); err != nil {
		r.logger.Warn("Discarding superseded challenge failed", "error", err)
	}
}

func expiry(c schema.OtpChallenge) time.Time {
	t, err := time.Parse(time.RFC3339Nano, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Buddy chats ---

func (r *Router) AppendMessage(ctx context.Context, chatID string, participants []string, msg schema.BuddyMessage) error {
	if err := ValidateID(chatID); err != nil {
		return err
	}
	return r.do(ctx, "append_message", func(ctx context.Context, b Backend) error {
		return b.AppendMessage(ctx, chatID, participants, msg)
	})
}

// GetChat prefers the remote copy and falls back to the local one.
func (r *Router) GetChat(ctx context.Context, chatID string) (*schema.BuddyChat, error) {
	if err := ValidateID(chatID); err != nil {
		return nil, err
	}
	if r.probe.Available(ctx) {
		rctx, cancel := r.RemoteContext(ctx)
		chat, err := r.remote.GetChat(rctx, chatID)
		cancel()
		if err == nil {
			return chat, nil
		}
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("Remote chat read failed, using local store", "error", err)
			r.metrics.RecordFallback("get_chat")
		}
	}
	return r.local.GetChat(ctx, chatID)
}

// Close releases the remote connection.
func (r *Router) Close() error {
	if r.remote == nil {
		return nil
	}
	if err := r.remote.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	return nil
}
