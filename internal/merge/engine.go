// Package merge reconciles production units found to describe the same
// real place: it backfills the survivor, moves professional links over,
// recomputes specialties and deactivates the superseded unit.
package merge

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/audit"
	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/metrics"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/resilience"
	"github.com/mapatur/reconcile/internal/resolve"
	"github.com/mapatur/reconcile/internal/store"
)

// Options are per-call settings.
type Options struct {
	DryRun bool
	Actor  *int64
}

// Result describes a merge. For a dry run it describes what would have been
// written.
type Result struct {
	SurvivorID            int64              `json:"survivor_id"`
	SupersededID          int64              `json:"superseded_id"`
	FieldsChanged         []string           `json:"fields_changed"`
	LinksTransferred      int                `json:"links_transferred"`
	LinksRemoved          int                `json:"links_removed"`
	SpecialtyLinksAdded   int                `json:"specialty_links_added"`
	SpecialtyLinksRemoved int                `json:"specialty_links_removed"`
	SpecialtyLinksCleared int                `json:"specialty_links_cleared"` // pipeline links dropped from the superseded unit
	Deactivated           bool               `json:"deactivated"`
	Warnings              []string           `json:"warnings,omitempty"`
	Outcome               model.Outcome      `json:"outcome"`
	CorrelationID         string             `json:"correlation_id"`
	Audit                 []model.AuditEntry `json:"audit"`
	DryRun                bool               `json:"dry_run,omitempty"`
}

// Engine merges pairs of units.
type Engine struct {
	store    store.Store
	sentinel model.Coordinates
	rules    backfillRules
	retry    resilience.RetryConfig
	log      *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRetry sets how the merge transaction is rerun after a serialization
// conflict.
func WithRetry(cfg resilience.RetryConfig) EngineOption {
	return func(e *Engine) { e.retry = cfg }
}

// WithLongerPhone lets a longer superseded phone replace a non-empty
// survivor phone. Off by default: backfill only fills empty fields.
func WithLongerPhone(on bool) EngineOption {
	return func(e *Engine) { e.rules.longerPhone = on }
}

// NewEngine creates an Engine. sentinel is the placeholder position a
// survivor may have its coordinates backfilled over; zero means
// model.DefaultSentinel.
func NewEngine(s store.Store, sentinel model.Coordinates, opts ...EngineOption) *Engine {
	if sentinel.IsZero() {
		sentinel = model.DefaultSentinel
	}
	e := &Engine{
		store:    s,
		sentinel: sentinel,
		log:      zap.L().With(zap.String("component", "merge")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Merge folds supersededID into survivorID in one transaction. Invalid or
// unknown ids are rejected before anything is written. Merging a pair that
// was already merged changes nothing and writes no audit entries.
func (e *Engine) Merge(ctx context.Context, survivorID, supersededID int64, opts Options) (*Result, error) {
	if err := e.precheck(ctx, survivorID, supersededID); err != nil {
		metrics.ObserveMerge(model.OutcomeRejected)
		return nil, err
	}

	res := &Result{
		SurvivorID:    survivorID,
		SupersededID:  supersededID,
		Outcome:       model.OutcomeApplied,
		CorrelationID: uuid.NewString(),
		DryRun:        opts.DryRun,
	}
	log := e.log.With(
		zap.Int64("survivor_id", survivorID),
		zap.Int64("superseded_id", supersededID),
		zap.String("correlation_id", res.CorrelationID),
	)

	base := *res
	start := time.Now()
	err := resilience.Do(ctx, e.retry, "merge", func(ctx context.Context) error {
		*res = base
		return e.store.InTx(ctx, store.TxOptions{DryRun: opts.DryRun}, func(ctx context.Context, tx store.Tx) error {
			rec := audit.NewRecorder(opts.Actor, res.CorrelationID)
			if err := e.run(ctx, tx, rec, res); err != nil {
				return err
			}
			res.Audit = rec.Entries()
			return rec.Flush(ctx, tx)
		})
	})
	metrics.ObserveTx("merge", start)

	if err != nil {
		metrics.ObserveMerge(model.OutcomeRejected)
		log.Warn("merge failed", zap.Error(err))
		return nil, err
	}

	if !opts.DryRun {
		metrics.ObserveMerge(res.Outcome)
		metrics.ObserveAudit(res.Audit)
	}
	log.Info("merge complete",
		zap.Strings("fields_changed", res.FieldsChanged),
		zap.Int("links_transferred", res.LinksTransferred),
		zap.Bool("deactivated", res.Deactivated),
		zap.Int("audit_entries", len(res.Audit)),
		zap.Bool("dry_run", opts.DryRun),
	)
	return res, nil
}

func (e *Engine) precheck(ctx context.Context, survivorID, supersededID int64) error {
	switch {
	case survivorID <= 0:
		return fault.Validation("survivor_id", "must be positive")
	case supersededID <= 0:
		return fault.Validation("superseded_id", "must be positive")
	case survivorID == supersededID:
		return fault.Validation("superseded_id", "must differ from survivor_id")
	}

	return e.store.InTx(ctx, store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		survivor, err := tx.GetUnit(ctx, survivorID, false)
		if err != nil {
			return err
		}
		if _, err := tx.GetUnit(ctx, supersededID, false); err != nil {
			return err
		}
		if !survivor.Active {
			return fault.Validation("survivor_id", "survivor is inactive")
		}
		return nil
	})
}

func (e *Engine) run(ctx context.Context, tx store.Tx, rec *audit.Recorder, res *Result) error {
	survivor, superseded, err := lockPair(ctx, tx, res.SurvivorID, res.SupersededID)
	if err != nil {
		return err
	}
	if !survivor.Active {
		return fault.Validation("survivor_id", "survivor is inactive")
	}

	next := survivor.Clone()
	backfill(next, superseded, e.sentinel, e.rules)

	if err := transferLinks(ctx, tx, rec, res); err != nil {
		return err
	}

	change, err := resolve.RecomputeSpecialties(ctx, tx, rec, survivor.ID)
	if err != nil {
		return err
	}
	res.SpecialtyLinksAdded = len(change.Added)
	res.SpecialtyLinksRemoved = len(change.Removed)

	// With its professionals gone, the superseded unit keeps only manual
	// specialty links.
	cleared, err := resolve.RecomputeSpecialties(ctx, tx, rec, superseded.ID)
	if err != nil {
		return err
	}
	res.SpecialtyLinksCleared = len(cleared.Removed)

	if superseded.Active {
		off := superseded.Clone()
		off.Active = false
		if err := tx.UpdateUnit(ctx, off); err != nil {
			return eris.Wrapf(err, "merge: deactivate unit %d", superseded.ID)
		}
		if _, err := rec.Record(model.TableUnits, model.OpUpdate, strconv.FormatInt(superseded.ID, 10), superseded, off); err != nil {
			return err
		}
		res.Deactivated = true
	}

	// The origin id moves only now that the superseded unit no longer holds
	// it as an active unit.
	if next.OriginID == nil && superseded.OriginID != nil {
		origin := *superseded.OriginID
		holder, err := tx.FindActiveUnitByOrigin(ctx, origin, true)
		if err != nil {
			return eris.Wrapf(err, "merge: find active unit for origin %s", origin)
		}
		if holder != nil && holder.ID != survivor.ID {
			res.Warnings = append(res.Warnings,
				"origin "+origin+" stays with active unit "+strconv.FormatInt(holder.ID, 10))
			res.Outcome = model.OutcomeAppliedWithWarnings
		} else {
			next.OriginID = &origin
		}
	}

	changed, err := rec.Record(model.TableUnits, model.OpUpdate, strconv.FormatInt(survivor.ID, 10), survivor, next)
	if err != nil {
		return err
	}
	if changed {
		entries := rec.Entries()
		res.FieldsChanged = entries[len(entries)-1].ChangedFields
		if err := tx.UpdateUnit(ctx, next); err != nil {
			return eris.Wrapf(err, "merge: update survivor %d", survivor.ID)
		}
	}
	return nil
}

// lockPair locks both units in ascending id order so two merges touching
// the same units cannot deadlock.
func lockPair(ctx context.Context, tx store.Tx, survivorID, supersededID int64) (*model.Unit, *model.Unit, error) {
	first, second := survivorID, supersededID
	if first > second {
		first, second = second, first
	}

	a, err := tx.GetUnit(ctx, first, true)
	if err != nil {
		return nil, nil, err
	}
	b, err := tx.GetUnit(ctx, second, true)
	if err != nil {
		return nil, nil, err
	}
	if a.ID == survivorID {
		return a, b, nil
	}
	return b, a, nil
}

// transferLinks copies the superseded unit's professional links onto the
// survivor, then deletes them from the superseded unit.
func transferLinks(ctx context.Context, tx store.Tx, rec *audit.Recorder, res *Result) error {
	have, err := tx.ListUnitProfessionalIDs(ctx, res.SurvivorID)
	if err != nil {
		return eris.Wrapf(err, "merge: list professionals of unit %d", res.SurvivorID)
	}
	moving, err := tx.ListUnitProfessionalIDs(ctx, res.SupersededID)
	if err != nil {
		return eris.Wrapf(err, "merge: list professionals of unit %d", res.SupersededID)
	}

	onSurvivor := make(map[int64]bool, len(have))
	for _, id := range have {
		onSurvivor[id] = true
	}

	for _, profID := range moving {
		if onSurvivor[profID] {
			continue
		}
		link := &model.UnitProfessionalLink{UnitID: res.SurvivorID, ProfessionalID: profID}
		created, err := tx.InsertUnitProfessional(ctx, link)
		if err != nil {
			return eris.Wrapf(err, "merge: link professional %d to unit %d", profID, res.SurvivorID)
		}
		if !created {
			continue
		}
		if _, err := rec.Record(model.TableUnitProfessionals, model.OpInsert, resolve.LinkID(res.SurvivorID, profID), nil, link); err != nil {
			return err
		}
		res.LinksTransferred++
	}

	for _, profID := range moving {
		if err := tx.DeleteUnitProfessional(ctx, res.SupersededID, profID); err != nil {
			return eris.Wrapf(err, "merge: unlink professional %d from unit %d", profID, res.SupersededID)
		}
		gone := model.UnitProfessionalLink{UnitID: res.SupersededID, ProfessionalID: profID}
		if _, err := rec.Record(model.TableUnitProfessionals, model.OpDelete, resolve.LinkID(res.SupersededID, profID), gone, nil); err != nil {
			return err
		}
		res.LinksRemoved++
	}
	return nil
}
