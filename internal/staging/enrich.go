package staging

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/audit"
	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MediaTarget names the media slot a MediaOp works on.
type MediaTarget string

const (
	MediaImage MediaTarget = "image"
	MediaIcon  MediaTarget = "icon"
)

// MediaAction is what a MediaOp does to its slot.
type MediaAction string

const (
	MediaAttach  MediaAction = "attach"  // set an empty slot
	MediaReplace MediaAction = "replace" // overwrite the slot
	MediaRemove  MediaAction = "remove"  // clear the slot
)

// MediaOp attaches, replaces or removes an image or icon reference.
// Images are URLs; icons may be any reference the map UI understands.
type MediaOp struct {
	Target MediaTarget `json:"target" validate:"required,oneof=image icon"`
	Action MediaAction `json:"action" validate:"required,oneof=attach replace remove"`
	Ref    string      `json:"ref,omitempty" validate:"omitempty,max=500"`
}

// EnrichInput is a partial enrichment. Nil fields keep the stored value;
// a pointer to "" clears it.
type EnrichInput struct {
	DisplayName  *string   `json:"display_name,omitempty" validate:"omitempty,max=200"`
	Address      *string   `json:"address,omitempty" validate:"omitempty,max=300"`
	Neighborhood *string   `json:"neighborhood,omitempty" validate:"omitempty,max=120"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Phone        *string   `json:"phone,omitempty" validate:"omitempty,max=40"`
	WhatsApp     *string   `json:"whatsapp,omitempty" validate:"omitempty,max=40"`
	Hours        *string   `json:"hours,omitempty" validate:"omitempty,max=200"`
	Email        *string   `json:"email,omitempty" validate:"omitempty,email|len=0"`
	Website      *string   `json:"website,omitempty" validate:"omitempty,url|len=0"`
	Instagram    *string   `json:"instagram,omitempty" validate:"omitempty,max=120"`
	Notes        *string   `json:"notes,omitempty" validate:"omitempty,max=2000"`
	Media        []MediaOp `json:"media,omitempty" validate:"dive"`
}

// EnrichResult reports what Enrich stored.
type EnrichResult struct {
	Record      *model.EnrichmentRecord `json:"record"`
	Changed     bool                    `json:"changed"`
	RowsFlipped int                     `json:"rows_flipped"`
	Outcome     model.Outcome           `json:"outcome"`
}

// Applier merges curator input into the enrichment record of an origin.
type Applier struct {
	store  store.Store
	region model.Region
	log    *zap.Logger
}

// NewApplier creates an Applier that accepts coordinates inside region.
func NewApplier(s store.Store, region model.Region) *Applier {
	return &Applier{
		store:  s,
		region: region,
		log:    zap.L().With(zap.String("component", "staging.enrich")),
	}
}

// Enrich validates in, upserts the enrichment record for originID and flips
// eligible staging rows to enriched: pending rows always, promoted and error
// rows only when the stored record changed. Reapplying an identical payload
// leaves the record untouched.
func (a *Applier) Enrich(ctx context.Context, originID string, in EnrichInput, actor *int64) (*EnrichResult, error) {
	if strings.TrimSpace(originID) == "" {
		return nil, fault.Validation("origin_id", "required")
	}
	if err := a.validateInput(in); err != nil {
		return nil, err
	}

	res := &EnrichResult{Outcome: model.OutcomeApplied}
	rec := audit.NewRecorder(actor, uuid.NewString())

	err := a.store.InTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		rows, err := tx.ListStagingByOrigin(ctx, originID, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fault.NotFound("origin", originID)
		}

		prev, err := tx.GetEnrichment(ctx, originID)
		if err != nil {
			return err
		}
		next, err := applyInput(originID, prev, in)
		if err != nil {
			return err
		}
		res.Changed = !prev.SameContent(next)
		res.Record = next

		if res.Changed {
			next.UpdatedBy = actor
			if err := tx.UpsertEnrichment(ctx, next); err != nil {
				return err
			}
			if _, err := rec.Record(model.TableEnrichments, opFor(prev), originID, prev, next); err != nil {
				return err
			}
		} else {
			res.Record = prev
		}

		var flip []int64
		for _, r := range rows {
			switch r.Status {
			case model.StatusPending:
				flip = append(flip, r.ID)
			case model.StatusPromoted, model.StatusError:
				if res.Changed {
					flip = append(flip, r.ID)
				}
			}
		}
		if err := tx.SetStagingStatus(ctx, flip, model.StatusEnriched, "", nil); err != nil {
			return err
		}
		res.RowsFlipped = len(flip)

		return rec.Flush(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("enrichment applied",
		zap.String("origin_id", originID),
		zap.Bool("changed", res.Changed),
		zap.Int("rows_flipped", res.RowsFlipped),
	)
	return res, nil
}

func opFor(prev *model.EnrichmentRecord) model.AuditOperation {
	if prev == nil {
		return model.OpInsert
	}
	return model.OpUpdate
}

func (a *Applier) validateInput(in EnrichInput) error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fault.Validation(fieldName(fe.Namespace()), "failed rule "+fe.Tag())
		}
		return eris.Wrap(err, "staging: validate enrichment")
	}

	if (in.Latitude == nil) != (in.Longitude == nil) {
		return fault.Validation("coordinates", "latitude and longitude must be provided together")
	}
	if in.Latitude != nil {
		c := model.Coordinates{Lat: *in.Latitude, Lon: *in.Longitude}
		if !a.region.Contains(c) {
			return fault.Validation("coordinates", "outside the operating region")
		}
	}

	seen := make(map[MediaTarget]bool)
	for _, op := range in.Media {
		if seen[op.Target] {
			return fault.Validation("media", "more than one operation on "+string(op.Target))
		}
		seen[op.Target] = true
		if op.Action == MediaRemove {
			continue
		}
		if op.Ref == "" {
			return fault.Validation("media", string(op.Action)+" needs a ref")
		}
		if op.Target == MediaImage {
			if err := validate.Var(op.Ref, "url"); err != nil {
				return fault.Validation("media", "image ref must be a URL")
			}
		}
	}
	return nil
}

// fieldName turns "EnrichInput.Media[0].Ref" into "Media[0].Ref".
func fieldName(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// applyInput overlays in on prev (nil for a first enrichment).
func applyInput(originID string, prev *model.EnrichmentRecord, in EnrichInput) (*model.EnrichmentRecord, error) {
	next := &model.EnrichmentRecord{OriginID: originID}
	if prev != nil {
		cp := *prev
		next = &cp
	}

	setString(&next.DisplayName, in.DisplayName)
	setString(&next.Address, in.Address)
	setString(&next.Neighborhood, in.Neighborhood)
	setString(&next.Phone, in.Phone)
	setString(&next.WhatsApp, in.WhatsApp)
	setString(&next.Hours, in.Hours)
	setString(&next.Email, in.Email)
	setString(&next.Website, in.Website)
	setString(&next.Instagram, in.Instagram)
	setString(&next.Notes, in.Notes)

	if in.Latitude != nil {
		lat, lon := *in.Latitude, *in.Longitude
		next.Latitude, next.Longitude = &lat, &lon
	}

	for _, op := range in.Media {
		slot := &next.ImageURL
		if op.Target == MediaIcon {
			slot = &next.IconURL
		}
		switch op.Action {
		case MediaAttach:
			if *slot != "" && *slot != op.Ref {
				return nil, fault.Validation("media", string(op.Target)+" already attached; use replace")
			}
			*slot = op.Ref
		case MediaReplace:
			*slot = op.Ref
		case MediaRemove:
			*slot = ""
		}
	}
	return next, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
