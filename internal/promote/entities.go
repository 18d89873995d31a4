package promote

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/audit"
	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/resolve"
	"github.com/mapatur/reconcile/internal/store"
)

// upsertUnit locks the active unit for the group's origin and creates or
// updates it from the enrichment record and the staging rows.
func upsertUnit(ctx context.Context, tx store.Tx, rec *audit.Recorder, g *model.PromotionGroup, e *model.EnrichmentRecord, res *Result) (*model.Unit, error) {
	cur, err := tx.FindActiveUnitByOrigin(ctx, g.OriginID, true)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: lock unit for origin %s", g.OriginID)
	}

	if cur == nil {
		if err := checkNotMerged(ctx, tx, g); err != nil {
			return nil, err
		}
		origin := g.OriginID
		u := &model.Unit{OriginID: &origin, Active: true}
		applyFields(u, g, e)
		if err := tx.InsertUnit(ctx, u); err != nil {
			return nil, eris.Wrapf(err, "promote: insert unit for origin %s", g.OriginID)
		}
		if _, err := rec.Record(model.TableUnits, model.OpInsert, strconv.FormatInt(u.ID, 10), nil, u); err != nil {
			return nil, err
		}
		res.UnitID, res.Created = u.ID, true
		return u, nil
	}

	next := cur.Clone()
	applyFields(next, g, e)
	changed, err := rec.Record(model.TableUnits, model.OpUpdate, strconv.FormatInt(cur.ID, 10), cur, next)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := tx.UpdateUnit(ctx, next); err != nil {
			return nil, eris.Wrapf(err, "promote: update unit %d", cur.ID)
		}
	}
	res.UnitID = next.ID
	return next, nil
}

// checkNotMerged refuses to recreate a unit for an origin whose previous
// unit was merged away and deactivated.
func checkNotMerged(ctx context.Context, tx store.Tx, g *model.PromotionGroup) error {
	seen := make(map[int64]bool)
	for _, r := range g.Records {
		if r.ProdUnitID == nil || seen[*r.ProdUnitID] {
			continue
		}
		seen[*r.ProdUnitID] = true
		u, err := tx.GetUnit(ctx, *r.ProdUnitID, false)
		if fault.IsNotFound(err) {
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "promote: load unit %d", *r.ProdUnitID)
		}
		if !u.Active {
			return fault.Validation("origin_id", fmt.Sprintf("unit %d for origin %s was merged and is inactive", u.ID, g.OriginID))
		}
	}
	return nil
}

// applyFields copies the enrichment onto u. The record is authoritative
// for contact and media fields, so a cleared value clears the unit; only
// name and address fall back to the staging rows.
func applyFields(u *model.Unit, g *model.PromotionGroup, e *model.EnrichmentRecord) {
	if e == nil {
		e = &model.EnrichmentRecord{}
	}
	u.Name = firstNonEmpty(e.DisplayName, g.UnitName(), u.Name)
	u.Address = firstNonEmpty(e.Address, g.Address(), u.Address)
	u.Neighborhood = e.Neighborhood
	u.Phone = e.Phone
	u.WhatsApp = e.WhatsApp
	u.Hours = e.Hours
	u.Email = e.Email
	u.Website = e.Website
	u.Instagram = e.Instagram
	u.ImageURL = e.ImageURL
	u.IconURL = e.IconURL
	if e.HasCoordinates() {
		u.Latitude, u.Longitude = *e.Latitude, *e.Longitude
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// upsertProfessional finds a professional by natural key, or by normalized
// name when the row has no key, and creates it when missing.
func upsertProfessional(ctx context.Context, tx store.Tx, rec *audit.Recorder, raw model.RawProfessional) (*model.Professional, error) {
	normalized := resolve.NormalizePerson(raw.Name)

	var (
		found *model.Professional
		err   error
	)
	if raw.Key != "" {
		found, err = tx.FindProfessionalByKey(ctx, raw.Key)
	} else {
		found, err = tx.FindProfessionalByName(ctx, normalized)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "promote: find professional %q", raw.Name)
	}
	if found != nil {
		return found, nil
	}

	p := &model.Professional{Name: raw.Name, NormalizedName: normalized}
	if raw.Key != "" {
		key := raw.Key
		p.NaturalKey = &key
	}
	if err := tx.InsertProfessional(ctx, p); err != nil {
		return nil, eris.Wrapf(err, "promote: insert professional %q", raw.Name)
	}
	if _, err := rec.Record(model.TableProfessionals, model.OpInsert, strconv.FormatInt(p.ID, 10), nil, p); err != nil {
		return nil, err
	}
	return p, nil
}

// specialtyCache find-or-creates specialties by canonical name once per
// transaction.
type specialtyCache struct {
	tx     store.Tx
	rec    *audit.Recorder
	byName map[string]*model.Specialty
}

func newSpecialtyCache(tx store.Tx, rec *audit.Recorder) *specialtyCache {
	return &specialtyCache{tx: tx, rec: rec, byName: make(map[string]*model.Specialty)}
}

func (c *specialtyCache) get(ctx context.Context, canonical string) (*model.Specialty, error) {
	normalized := resolve.NormalizeName(canonical)
	if s, ok := c.byName[normalized]; ok {
		return s, nil
	}

	s, err := c.tx.FindSpecialtyByName(ctx, normalized)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: find specialty %q", canonical)
	}
	if s == nil {
		s = &model.Specialty{Name: canonical, NormalizedName: normalized}
		if err := c.tx.InsertSpecialty(ctx, s); err != nil {
			return nil, eris.Wrapf(err, "promote: insert specialty %q", canonical)
		}
		if _, err := c.rec.Record(model.TableSpecialties, model.OpInsert, strconv.FormatInt(s.ID, 10), nil, s); err != nil {
			return nil, err
		}
	}
	c.byName[normalized] = s
	return s, nil
}
