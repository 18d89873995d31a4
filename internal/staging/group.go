// Package staging groups raw staging rows by origin, applies curator
// enrichment to a group, and ingests validated rows from exported files.
package staging

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/resolve"
	"github.com/mapatur/reconcile/internal/store"
)

// Grouper partitions staging rows into promotion groups.
type Grouper struct {
	store store.Store
}

// NewGrouper creates a Grouper reading from s.
func NewGrouper(s store.Store) *Grouper {
	return &Grouper{store: s}
}

// Group returns every staging row sharing originID together with the
// distinct raw professionals and specialties among them. It fails with a
// NotFoundError when no row carries originID.
func (g *Grouper) Group(ctx context.Context, originID string) (*model.PromotionGroup, error) {
	if originID == "" {
		return nil, fault.Validation("origin_id", "required")
	}

	var group *model.PromotionGroup
	err := g.store.InTx(ctx, store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		group, err = LoadGroup(ctx, tx, originID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// Pending lists origin ids with rows still awaiting promotion (pending or
// enriched), sorted.
func (g *Grouper) Pending(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.store.InTx(ctx, store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.ListOriginsByStatus(ctx, model.StatusPending, model.StatusEnriched)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "staging: list pending origins")
	}
	return ids, nil
}

// LoadGroup reads the group for originID inside tx, locking its rows when
// forUpdate is set.
func LoadGroup(ctx context.Context, tx store.Tx, originID string, forUpdate bool) (*model.PromotionGroup, error) {
	recs, err := tx.ListStagingByOrigin(ctx, originID, forUpdate)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fault.NotFound("origin", originID)
	}
	return BuildGroup(originID, recs), nil
}

// BuildGroup derives the distinct professionals and specialties of recs.
// Professionals are keyed by natural key when the row has one, else by
// normalized name; specialties by normalized name. The first raw spelling
// seen wins. Both lists are sorted by their normalized form.
func BuildGroup(originID string, recs []model.StagingRecord) *model.PromotionGroup {
	g := &model.PromotionGroup{OriginID: originID, Records: recs}

	profIdx := make(map[string]int)
	profSpecSeen := make(map[string]map[string]bool)
	specSeen := make(map[string]bool)

	for _, r := range recs {
		if r.ProfessionalName != "" || r.ProfessionalKey != "" {
			key := ProfessionalKey(r.ProfessionalKey, r.ProfessionalName)
			i, ok := profIdx[key]
			if !ok {
				i = len(g.Professionals)
				profIdx[key] = i
				profSpecSeen[key] = make(map[string]bool)
				g.Professionals = append(g.Professionals, model.RawProfessional{
					Key:  r.ProfessionalKey,
					Name: r.ProfessionalName,
				})
			}
			if norm := resolve.NormalizeName(r.SpecialtyName); norm != "" && !profSpecSeen[key][norm] {
				profSpecSeen[key][norm] = true
				g.Professionals[i].Specialties = append(g.Professionals[i].Specialties, r.SpecialtyName)
			}
		}

		if norm := resolve.NormalizeName(r.SpecialtyName); norm != "" && !specSeen[norm] {
			specSeen[norm] = true
			g.Specialties = append(g.Specialties, r.SpecialtyName)
		}
	}

	for i := range g.Professionals {
		sortByNormalized(g.Professionals[i].Specialties)
	}
	sort.SliceStable(g.Professionals, func(i, j int) bool {
		return resolve.NormalizePerson(g.Professionals[i].Name) < resolve.NormalizePerson(g.Professionals[j].Name)
	})
	sortByNormalized(g.Specialties)
	return g
}

// ProfessionalKey is the dedup key for a raw professional.
func ProfessionalKey(naturalKey, name string) string {
	if naturalKey != "" {
		return "key:" + naturalKey
	}
	return "name:" + resolve.NormalizePerson(name)
}

func sortByNormalized(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return resolve.NormalizeName(names[i]) < resolve.NormalizeName(names[j])
	})
}
