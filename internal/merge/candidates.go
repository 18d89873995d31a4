package merge

import (
	"context"
	"sort"

	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/resolve"
	"github.com/mapatur/reconcile/internal/store"
)

// Candidate is a suspected duplicate pair. Nothing is merged until a
// curator confirms it.
type Candidate struct {
	SurvivorID     int64   `json:"survivor_id"`
	SupersededID   int64   `json:"superseded_id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters,omitempty"` // 0 when either unit has no real position
	Reason         string  `json:"reason"`
}

// PairFinder proposes duplicate pairs among active units.
type PairFinder interface {
	FindPairs(ctx context.Context, units []model.Unit) ([]Candidate, error)
}

// NameMatcher pairs active units whose normalized names are equal. The
// oldest unit (lowest id) of each group is proposed as survivor.
type NameMatcher struct {
	// MaxDistance drops pairs whose real positions are further apart, in
	// meters. Zero disables the check.
	MaxDistance float64
	Sentinel    model.Coordinates
}

// FindPairs implements PairFinder.
func (n NameMatcher) FindPairs(_ context.Context, units []model.Unit) ([]Candidate, error) {
	sentinel := n.Sentinel
	if sentinel.IsZero() {
		sentinel = model.DefaultSentinel
	}

	groups := make(map[string][]model.Unit)
	var keys []string
	for _, u := range units {
		key := resolve.NormalizeName(u.Name)
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], u)
	}
	sort.Strings(keys)

	var out []Candidate
	for _, key := range keys {
		g := groups[key]
		if len(g) < 2 {
			continue
		}
		sort.Slice(g, func(i, j int) bool { return g[i].ID < g[j].ID })
		survivor := g[0]
		for _, u := range g[1:] {
			c := Candidate{
				SurvivorID:   survivor.ID,
				SupersededID: u.ID,
				Name:         survivor.Name,
				Reason:       "same normalized name",
			}
			a, b := survivor.Coordinates(), u.Coordinates()
			if !placeholder(a, sentinel) && !placeholder(b, sentinel) {
				c.DistanceMeters = model.DistanceMeters(a, b)
				if n.MaxDistance > 0 && c.DistanceMeters > n.MaxDistance {
					continue
				}
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// FindCandidates runs finder over the active units.
func (e *Engine) FindCandidates(ctx context.Context, finder PairFinder) ([]Candidate, error) {
	if finder == nil {
		finder = NameMatcher{Sentinel: e.sentinel}
	}
	var units []model.Unit
	err := e.store.InTx(ctx, store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		units, err = tx.ListActiveUnits(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return finder.FindPairs(ctx, units)
}
