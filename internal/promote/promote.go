// Package promote turns an enriched staging group into production entities
// in one transaction: the unit, its professionals, their specialties and the
// junction links between them.
package promote

import (
	"context"
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
	"github.com/mapatur/reconcile/internal/staging"
	"github.com/mapatur/reconcile/internal/store"
)

// Config tunes mapping-gap handling and coordinate checks.
type Config struct {
	// Strict fails a promotion on any unmapped specialty.
	Strict bool
	// GapTolerance is how many distinct unmapped specialties a group may
	// carry before the promotion fails. Ignored when Strict is set.
	GapTolerance int
	// Region bounds the enrichment coordinates. Zero means DefaultRegion.
	Region model.Region
	// Retry reruns the write transaction after a serialization conflict.
	Retry resilience.RetryConfig
}

// Options are per-call settings.
type Options struct {
	DryRun bool
	Actor  *int64
}

// Result describes a promotion. For a dry run it describes what would have
// been written.
type Result struct {
	OriginID        string             `json:"origin_id"`
	UnitID          int64              `json:"unit_id"`
	Created         bool               `json:"created"`
	RecordsPromoted int                `json:"records_promoted"`
	Outcome         model.Outcome      `json:"outcome"`
	Warnings        []string           `json:"warnings,omitempty"`
	Unmapped        []string           `json:"unmapped,omitempty"`
	CorrelationID   string             `json:"correlation_id"`
	Audit           []model.AuditEntry `json:"audit"`
	DryRun          bool               `json:"dry_run,omitempty"`
}

// Promoter runs promotion transactions against a store.
type Promoter struct {
	store store.Store
	cfg   Config
	log   *zap.Logger
}

// New creates a Promoter.
func New(s store.Store, cfg Config) *Promoter {
	if cfg.Region == (model.Region{}) {
		cfg.Region = model.DefaultRegion
	}
	return &Promoter{
		store: s,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "promote")),
	}
}

// Promote upserts the production unit for originID and everything hanging
// off it. Validation and not-found failures are returned before anything is
// written. Serialization conflicts are retried per Config.Retry. Any other
// failure rolls the transaction back and, outside dry runs, marks the
// group's staging rows as error with the reason; a conflict that outlives
// its retries marks nothing, so the group stays eligible.
func (p *Promoter) Promote(ctx context.Context, originID string, opts Options) (*Result, error) {
	if originID == "" {
		return nil, fault.Validation("origin_id", "required")
	}
	if err := p.precheck(ctx, originID); err != nil {
		metrics.ObservePromotion(model.OutcomeRejected)
		return nil, err
	}

	res := &Result{
		OriginID:      originID,
		Outcome:       model.OutcomeApplied,
		CorrelationID: uuid.NewString(),
		DryRun:        opts.DryRun,
	}
	log := p.log.With(zap.String("origin_id", originID), zap.String("correlation_id", res.CorrelationID))

	base := *res
	start := time.Now()
	err := resilience.Do(ctx, p.cfg.Retry, "promote", func(ctx context.Context) error {
		*res = base
		return p.store.InTx(ctx, store.TxOptions{DryRun: opts.DryRun}, func(ctx context.Context, tx store.Tx) error {
			rec := audit.NewRecorder(opts.Actor, res.CorrelationID)
			if err := p.run(ctx, tx, rec, res); err != nil {
				return err
			}
			res.Audit = rec.Entries()
			return rec.Flush(ctx, tx)
		})
	})
	metrics.ObserveTx("promote", start)

	if err != nil {
		metrics.ObservePromotion(model.OutcomeRejected)
		log.Warn("promotion failed", zap.Error(err))
		if !opts.DryRun && !fault.Rejected(err) && !fault.IsConflict(err) {
			p.markError(ctx, originID, err)
		}
		return nil, err
	}

	if !opts.DryRun {
		metrics.ObservePromotion(res.Outcome)
		metrics.ObserveAudit(res.Audit)
	}
	log.Info("promotion complete",
		zap.Int64("unit_id", res.UnitID),
		zap.Bool("created", res.Created),
		zap.Int("records_promoted", res.RecordsPromoted),
		zap.Int("audit_entries", len(res.Audit)),
		zap.Strings("unmapped", res.Unmapped),
		zap.Bool("dry_run", opts.DryRun),
	)
	return res, nil
}

// precheck rejects unknown origins and groups without usable coordinates in
// a read-only transaction.
func (p *Promoter) precheck(ctx context.Context, originID string) error {
	return p.store.InTx(ctx, store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		if _, err := staging.LoadGroup(ctx, tx, originID, false); err != nil {
			return err
		}
		e, err := tx.GetEnrichment(ctx, originID)
		if err != nil {
			return err
		}
		return p.checkEnrichment(e)
	})
}

func (p *Promoter) checkEnrichment(e *model.EnrichmentRecord) error {
	if !e.HasCoordinates() {
		return fault.Validation("enrichment", "coordinates required before promotion")
	}
	if !p.cfg.Region.Contains(model.Coordinates{Lat: *e.Latitude, Lon: *e.Longitude}) {
		return fault.Validation("enrichment", "coordinates outside the operating region")
	}
	return nil
}

func (p *Promoter) run(ctx context.Context, tx store.Tx, rec *audit.Recorder, res *Result) error {
	group, err := staging.LoadGroup(ctx, tx, res.OriginID, true)
	if err != nil {
		return err
	}
	enrichment, err := tx.GetEnrichment(ctx, res.OriginID)
	if err != nil {
		return err
	}
	if err := p.checkEnrichment(enrichment); err != nil {
		return err
	}

	mappings, err := tx.ListSpecialtyMappings(ctx)
	if err != nil {
		return err
	}
	mapper := resolve.NewMapper(mappings)
	_, unmapped := mapper.Partition(group.Specialties)
	if gap := p.checkGaps(res.OriginID, unmapped); gap != nil {
		return gap
	}
	if len(unmapped) > 0 {
		res.Unmapped = unmapped
		res.Warnings = append(res.Warnings, (&fault.MappingGapError{OriginID: res.OriginID, RawNames: unmapped}).Error())
		res.Outcome = model.OutcomeAppliedWithWarnings
	}

	unit, err := upsertUnit(ctx, tx, rec, group, enrichment, res)
	if err != nil {
		return err
	}

	specs := newSpecialtyCache(tx, rec)
	for _, raw := range group.Professionals {
		prof, err := upsertProfessional(ctx, tx, rec, raw)
		if err != nil {
			return err
		}

		link := &model.UnitProfessionalLink{UnitID: unit.ID, ProfessionalID: prof.ID}
		created, err := tx.InsertUnitProfessional(ctx, link)
		if err != nil {
			return eris.Wrapf(err, "promote: link professional %d to unit %d", prof.ID, unit.ID)
		}
		if created {
			if _, err := rec.Record(model.TableUnitProfessionals, model.OpInsert, resolve.LinkID(unit.ID, prof.ID), nil, link); err != nil {
				return err
			}
		}

		for _, rawSpec := range raw.Specialties {
			canonical, ok := mapper.Resolve(rawSpec)
			if !ok {
				continue
			}
			spec, err := specs.get(ctx, canonical)
			if err != nil {
				return err
			}
			a := &model.ProfessionalSpecialty{ProfessionalID: prof.ID, SpecialtyID: spec.ID}
			created, err := tx.AssignProfessionalSpecialty(ctx, a)
			if err != nil {
				return eris.Wrapf(err, "promote: assign specialty %d to professional %d", spec.ID, prof.ID)
			}
			if created {
				if _, err := rec.Record(model.TableProfessionalSpecialties, model.OpInsert, resolve.LinkID(prof.ID, spec.ID), nil, a); err != nil {
					return err
				}
			}
		}
	}

	if _, err := resolve.RecomputeSpecialties(ctx, tx, rec, unit.ID); err != nil {
		return err
	}

	var consume []int64
	for _, r := range group.Records {
		if r.Status == model.StatusPromoted && r.ProdUnitID != nil && *r.ProdUnitID == unit.ID {
			continue
		}
		consume = append(consume, r.ID)
	}
	if len(consume) > 0 {
		unitID := unit.ID
		if err := tx.SetStagingStatus(ctx, consume, model.StatusPromoted, "", &unitID); err != nil {
			return eris.Wrapf(err, "promote: mark origin %s promoted", res.OriginID)
		}
	}
	res.RecordsPromoted = len(consume)
	return nil
}

// checkGaps returns a MappingGapError when unmapped exceeds what the
// configuration allows.
func (p *Promoter) checkGaps(originID string, unmapped []string) error {
	if len(unmapped) == 0 {
		return nil
	}
	if p.cfg.Strict || len(unmapped) > p.cfg.GapTolerance {
		return &fault.MappingGapError{OriginID: originID, RawNames: unmapped}
	}
	return nil
}

// markError flags the origin's rows in their own transaction, after the
// promotion transaction has rolled back.
func (p *Promoter) markError(ctx context.Context, originID string, cause error) {
	err := p.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.ListStagingByOrigin(ctx, originID, true)
		if err != nil {
			return err
		}
		ids := make([]int64, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		return tx.SetStagingStatus(ctx, ids, model.StatusError, cause.Error(), nil)
	})
	if err != nil {
		p.log.Error("mark staging rows as error",
			zap.String("origin_id", originID),
			zap.Error(err),
		)
	}
}
