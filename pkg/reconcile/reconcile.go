// Package reconcile merges local-only history entries into the remote
// store and brings the local cache up to date with the result.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// Reconciler merges the local and remote copies of user records.
// The remote copy is authoritative: its order and its profile and settings
// are kept, and local entries it does not know are appended.
type Reconciler struct {
	router  *storage.Router
	metrics metrics.MetricsCollector
	logger  *log.Logger
}

func New(router *storage.Router, m metrics.MetricsCollector, l *log.Logger) *Reconciler {
	return &Reconciler{
		router:  router,
		metrics: metrics.OrNop(m),
		logger:  logger.OrDiscard(l),
	}
}

// Merge appends to remote the entries of local whose IDs remote lacks.
// Entries without an ID count as already synced. It returns nil when there
// is nothing new.
func Merge(remote, local []schema.Entry) []schema.Entry {
	known := make(map[string]bool, len(remote))
	for _, e := range remote {
		if id := e.EntryID(); id != "" {
			known[id] = true
		}
	}

	var fresh []schema.Entry
	for _, e := range local {
		id := e.EntryID()
		if id == "" || known[id] {
			continue
		}
		known[id] = true
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil
	}

	merged := make([]schema.Entry, 0, len(remote)+len(fresh))
	merged = append(merged, remote...)
	return append(merged, fresh...)
}

// Reconcile merges userID's records. It reports whether any list changed.
// An unavailable remote is not an error: the result is simply false.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (bool, error) {
	if err := storage.ValidateID(userID); err != nil {
		return false, err
	}
	if !r.router.Available(ctx) {
		r.logger.Debug("Remote unavailable, skipping reconcile", "user", userID)
		return false, nil
	}
	remoteStore := r.router.Remote()

	local, err := r.router.Local().Get(ctx, userID)
	if err != nil {
		return false, err
	}

	rctx, cancel := r.router.RemoteContext(ctx)
	remote, err := remoteStore.Get(rctx, userID)
	cancel()
	firstPush := false
	if errors.Is(err, storage.ErrNotFound) {
		remote = schema.NewUserRecord(userID)
		firstPush = true
	} else if err != nil {
		return false, fmt.Errorf("%w: load %s: %v", storage.ErrRemoteUnavailable, userID, err)
	}

	if firstPush {
		return r.firstPush(ctx, remoteStore, local, remote)
	}

	changed := false
	for _, kind := range schema.TrackedKinds() {
		merged := Merge(remote.List(kind), local.List(kind))
		if merged == nil {
			continue
		}
		added := len(merged) - len(remote.List(kind))

		rctx, cancel := r.router.RemoteContext(ctx)
		err := remoteStore.ReplaceList(rctx, userID, kind, merged)
		cancel()
		if err != nil {
			return changed, fmt.Errorf("%w: push %s: %v", storage.ErrRemoteUnavailable, kind, err)
		}
		if err := remote.SetList(kind, merged); err != nil {
			return changed, err
		}

		r.metrics.RecordMergedEntries(string(kind), added)
		r.logger.Debug("Merged local entries", "user", userID, "kind", kind, "added", added)
		changed = true
	}

	if changed {
		if err := r.router.Local().PutRecord(ctx, remote); err != nil {
			return true, err
		}
	}
	r.metrics.RecordReconcile(changed)
	return changed, nil
}

// firstPush creates the remote document from the local one when the remote
// has never seen this user.
func (r *Reconciler) firstPush(ctx context.Context, remoteStore storage.Backend, local, remote *schema.UserRecord) (bool, error) {
	changed := false
	for _, kind := range schema.TrackedKinds() {
		merged := Merge(remote.List(kind), local.List(kind))
		if merged == nil {
			continue
		}
		if err := remote.SetList(kind, merged); err != nil {
			return false, err
		}
		r.metrics.RecordMergedEntries(string(kind), len(merged))
		changed = true
	}
	if !changed {
		r.metrics.RecordReconcile(false)
		return false, nil
	}

	// The local copy is all there is, so it also seeds profile and settings.
	remote.Profile = local.Profile
	remote.Settings = local.Settings
	remote.CreatedAt = local.CreatedAt

	rctx, cancel := r.router.RemoteContext(ctx)
	err := remoteStore.PutRecord(rctx, remote)
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: create %s: %v", storage.ErrRemoteUnavailable, remote.UserID, err)
	}
	if err := r.router.Local().PutRecord(ctx, remote); err != nil {
		return true, err
	}

	r.logger.Info("Created remote record from local cache", "user", remote.UserID)
	r.metrics.RecordReconcile(true)
	return true, nil
}

// ReconcileAll reconciles every user with a local record and returns how
// many changed. Per-user failures are logged and skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	users, err := r.router.Local().ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		ok, err := r.Reconcile(ctx, userID)
		if err != nil {
			r.logger.Warn("Reconcile failed", "user", userID, "error", err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}
