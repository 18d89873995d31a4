package merge

import "github.com/mapatur/reconcile/internal/model"

type backfillRules struct {
	longerPhone bool
}

// backfill copies superseded values into survivor fields that are empty.
// Coordinates move only when the survivor still sits on the sentinel (or
// has none at all). With rules.longerPhone a longer superseded phone also
// replaces a short survivor one, which catches numbers missing an area
// code.
func backfill(survivor, superseded *model.Unit, sentinel model.Coordinates, rules backfillRules) {
	fill(&survivor.Name, superseded.Name)
	fill(&survivor.Address, superseded.Address)
	fill(&survivor.Neighborhood, superseded.Neighborhood)
	fill(&survivor.Phone, superseded.Phone)
	fill(&survivor.WhatsApp, superseded.WhatsApp)
	fill(&survivor.Hours, superseded.Hours)
	fill(&survivor.Email, superseded.Email)
	fill(&survivor.Website, superseded.Website)
	fill(&survivor.Instagram, superseded.Instagram)
	fill(&survivor.ImageURL, superseded.ImageURL)
	fill(&survivor.IconURL, superseded.IconURL)

	if rules.longerPhone && len(superseded.Phone) > len(survivor.Phone) {
		survivor.Phone = superseded.Phone
	}

	if placeholder(survivor.Coordinates(), sentinel) && !placeholder(superseded.Coordinates(), sentinel) {
		survivor.Latitude, survivor.Longitude = superseded.Latitude, superseded.Longitude
	}
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func placeholder(c, sentinel model.Coordinates) bool {
	return c.IsZero() || c.Equal(sentinel)
}
