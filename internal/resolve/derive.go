package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/audit"
	"github.com/mapatur/reconcile/internal/model"
)

// LinkStore is the slice of a store transaction that specialty derivation
// needs.
type LinkStore interface {
	ListUnitProfessionalIDs(ctx context.Context, unitID int64) ([]int64, error)
	ListSpecialtyIDsForProfessionals(ctx context.Context, professionalIDs []int64) ([]int64, error)
	ListUnitSpecialtyLinks(ctx context.Context, unitID int64) ([]model.UnitSpecialtyLink, error)
	InsertUnitSpecialtyLink(ctx context.Context, link *model.UnitSpecialtyLink) error
	DeleteUnitSpecialtyLink(ctx context.Context, unitID, specialtyID int64) error
}

// SpecialtyChange reports what RecomputeSpecialties changed.
type SpecialtyChange struct {
	Added   []int64
	Removed []int64
}

// Empty reports whether nothing changed.
func (c SpecialtyChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// RecomputeSpecialties makes the unit's pipeline-provenance specialty links
// equal to the union of the specialties held by its linked professionals.
// Missing links are inserted with pipeline provenance; pipeline links no
// professional supports are deleted. Manual links are never touched, and a
// supported specialty that already has a manual link gets no second link.
func RecomputeSpecialties(ctx context.Context, tx LinkStore, rec *audit.Recorder, unitID int64) (SpecialtyChange, error) {
	var change SpecialtyChange

	profIDs, err := tx.ListUnitProfessionalIDs(ctx, unitID)
	if err != nil {
		return change, eris.Wrapf(err, "resolve: list professionals of unit %d", unitID)
	}

	wanted := make(map[int64]bool)
	if len(profIDs) > 0 {
		specIDs, err := tx.ListSpecialtyIDsForProfessionals(ctx, profIDs)
		if err != nil {
			return change, eris.Wrapf(err, "resolve: list specialties of unit %d professionals", unitID)
		}
		for _, id := range specIDs {
			wanted[id] = true
		}
	}

	links, err := tx.ListUnitSpecialtyLinks(ctx, unitID)
	if err != nil {
		return change, eris.Wrapf(err, "resolve: list specialty links of unit %d", unitID)
	}

	existing := make(map[int64]model.UnitSpecialtyLink, len(links))
	for _, l := range links {
		existing[l.SpecialtyID] = l
	}

	for _, l := range links {
		if l.Provenance == model.ProvenanceManual || wanted[l.SpecialtyID] {
			continue
		}
		if err := tx.DeleteUnitSpecialtyLink(ctx, unitID, l.SpecialtyID); err != nil {
			return change, eris.Wrapf(err, "resolve: delete specialty link %d:%d", unitID, l.SpecialtyID)
		}
		if _, err := rec.Record(model.TableUnitSpecialties, model.OpDelete, LinkID(unitID, l.SpecialtyID), l, nil); err != nil {
			return change, err
		}
		change.Removed = append(change.Removed, l.SpecialtyID)
	}

	add := make([]int64, 0, len(wanted))
	for id := range wanted {
		if _, ok := existing[id]; !ok {
			add = append(add, id)
		}
	}
	sort.Slice(add, func(i, j int) bool { return add[i] < add[j] })

	for _, specID := range add {
		link := &model.UnitSpecialtyLink{UnitID: unitID, SpecialtyID: specID, Provenance: model.ProvenancePipeline}
		if err := tx.InsertUnitSpecialtyLink(ctx, link); err != nil {
			return change, eris.Wrapf(err, "resolve: insert specialty link %d:%d", unitID, specID)
		}
		if _, err := rec.Record(model.TableUnitSpecialties, model.OpInsert, LinkID(unitID, specID), nil, link); err != nil {
			return change, err
		}
		change.Added = append(change.Added, specID)
	}

	sort.Slice(change.Removed, func(i, j int) bool { return change.Removed[i] < change.Removed[j] })
	return change, nil
}

// LinkID formats a junction row's composite key for audit entries.
func LinkID(left, right int64) string {
	return fmt.Sprintf("%d:%d", left, right)
}
