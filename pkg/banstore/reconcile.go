// Copyright 2024-2026 Aiku AI

package banstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReconcileError reports a failed reconcile. The store is left as it was
// before the call.
type ReconcileError struct {
	Op  string
	Err error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("ban reconcile failed during %s: %v", e.Op, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// ErrStaleSnapshot is returned by ReconcileSince when records were mutated
// after the caller started building its desired set.
var ErrStaleSnapshot = errors.New("ban records changed since snapshot was taken")

// ReconcileResult counts the operations a reconcile issued.
type ReconcileResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Changed reports whether any operation was issued.
func (r ReconcileResult) Changed() bool {
	return r.Created+r.Updated+r.Deleted > 0
}

// Reconciler is the only writer of ban records. Mutating calls are
// serialized against each other; List is not.
type Reconciler struct {
	store Persistence
	log   zerolog.Logger
	mu    sync.Mutex
	// gen counts committed mutations.
	gen uint64
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store Persistence, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		log:   log.With().Str("component", "ban_reconciler").Logger(),
	}
}

// List returns all persisted records.
func (r *Reconciler) List(ctx context.Context) ([]BanRecord, error) {
	return r.store.LoadBanRecords(ctx)
}

// Reconcile makes the persisted records equal to desired with the minimal set
// of creates, updates and deletes, all in one transaction. If desired holds
// the same key twice the last entry wins.
func (r *Reconciler) Reconcile(ctx context.Context, desired []BanRecord) (ReconcileResult, error) {
	return r.reconcile(ctx, desired, nil)
}

// Generation returns the number of mutations committed so far. Pass it to
// ReconcileSince before gathering a desired set from a slow source.
func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// ReconcileSince is Reconcile that fails with ErrStaleSnapshot, without
// touching the store, if any mutation was committed after gen was read.
func (r *Reconciler) ReconcileSince(ctx context.Context, gen uint64, desired []BanRecord) (ReconcileResult, error) {
	return r.reconcile(ctx, desired, &gen)
}

func (r *Reconciler) reconcile(ctx context.Context, desired []BanRecord, since *uint64) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if since != nil && *since != r.gen {
		return ReconcileResult{}, ErrStaleSnapshot
	}

	want := make(map[Key]BanRecord, len(desired))
	order := make([]Key, 0, len(desired))
	for _, rec := range desired {
		if _, seen := want[rec.Key()]; !seen {
			order = append(order, rec.Key())
		}
		want[rec.Key()] = rec
	}

	var res ReconcileResult
	err := r.store.InTxn(ctx, func(ctx context.Context) error {
		res = ReconcileResult{}
		existing, err := r.store.LoadBanRecords(ctx)
		if err != nil {
			return &ReconcileError{Op: "load", Err: err}
		}
		have := make(map[Key]BanRecord, len(existing))
		for _, rec := range existing {
			have[rec.Key()] = rec
		}

		for _, key := range order {
			rec := want[key]
			old, ok := have[key]
			switch {
			case !ok:
				res.Created++
			case !old.SameLift(rec):
				res.Updated++
			default:
				continue
			}
			if err = r.store.Upsert(ctx, rec); err != nil {
				return &ReconcileError{Op: "upsert", Err: err}
			}
		}
		for _, rec := range existing {
			if _, keep := want[rec.Key()]; keep {
				continue
			}
			if err = r.store.Delete(ctx, rec.UserID, rec.GroupID); err != nil {
				return &ReconcileError{Op: "delete", Err: err}
			}
			res.Deleted++
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, asReconcileError(err)
	}
	if res.Changed() {
		r.gen++
		r.log.Info().
			Int("created", res.Created).
			Int("updated", res.Updated).
			Int("deleted", res.Deleted).
			Msg("Reconciled ban records")
	}
	return res, nil
}

// Apply creates or updates a single record.
func (r *Reconciler) Apply(ctx context.Context, rec BanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Upsert(ctx, rec); err != nil {
		return &ReconcileError{Op: "upsert", Err: err}
	}
	r.gen++
	r.log.Debug().Int64("group_id", rec.GroupID).Int64("user_id", rec.UserID).Time("lift_time", rec.LiftTime).Msg("Recorded ban")
	return nil
}

// Lift removes a single record. Lifting a record that does not exist is not an error.
func (r *Reconciler) Lift(ctx context.Context, userID, groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Delete(ctx, userID, groupID); err != nil {
		return &ReconcileError{Op: "delete", Err: err}
	}
	r.gen++
	r.log.Debug().Int64("group_id", groupID).Int64("user_id", userID).Msg("Removed ban record")
	return nil
}

// Expire removes every record whose lift time is at or before now and
// returns the removed records.
func (r *Reconciler) Expire(ctx context.Context, now time.Time) ([]BanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []BanRecord
	err := r.store.InTxn(ctx, func(ctx context.Context) error {
		expired = nil
		existing, err := r.store.LoadBanRecords(ctx)
		if err != nil {
			return &ReconcileError{Op: "load", Err: err}
		}
		for _, rec := range existing {
			if !rec.Expired(now) {
				continue
			}
			if err = r.store.Delete(ctx, rec.UserID, rec.GroupID); err != nil {
				return &ReconcileError{Op: "delete", Err: err}
			}
			expired = append(expired, rec)
		}
		return nil
	})
	if err != nil {
		return nil, asReconcileError(err)
	}
	if len(expired) > 0 {
		r.gen++
	}
	return expired, nil
}

func asReconcileError(err error) error {
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &ReconcileError{Op: "commit", Err: err}
}
