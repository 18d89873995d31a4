package model

import (
	"strings"
	"time"

	"github.com/mapatur/reconcile/internal/fault"
)

// StagingStatus is the processing state of a raw staging row.
type StagingStatus string

const (
	StatusPending  StagingStatus = "pending"
	StatusEnriched StagingStatus = "enriched"
	StatusPromoted StagingStatus = "promoted"
	StatusError    StagingStatus = "error"
)

// Valid reports whether s is a known status.
func (s StagingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusEnriched, StatusPromoted, StatusError:
		return true
	}
	return false
}

// StagingRecord is one raw extracted fact: a unit, a professional working
// there, and one specialty that professional holds.
type StagingRecord struct {
	ID               int64         `json:"id"`
	OriginID         string        `json:"origin_id"`
	UnitName         string        `json:"unit_name"`
	ProfessionalName string        `json:"professional_name"`
	ProfessionalKey  string        `json:"professional_key,omitempty"` // stable external person id, when the source has one
	SpecialtyName    string        `json:"specialty_name,omitempty"`
	Address          string        `json:"address,omitempty"`
	Status           StagingStatus `json:"status"`
	ErrorReason      string        `json:"error_reason,omitempty"`
	ProdUnitID       *int64        `json:"prod_unit_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Clean trims and collapses whitespace in the raw text fields.
func (r *StagingRecord) Clean() {
	r.OriginID = strings.TrimSpace(r.OriginID)
	r.UnitName = collapseSpaces(r.UnitName)
	r.ProfessionalName = collapseSpaces(r.ProfessionalName)
	r.ProfessionalKey = strings.TrimSpace(r.ProfessionalKey)
	r.SpecialtyName = collapseSpaces(r.SpecialtyName)
	r.Address = collapseSpaces(r.Address)
}

// Validate rejects rows that cannot be grouped or promoted.
func (r *StagingRecord) Validate() error {
	if r.OriginID == "" {
		return fault.Validation("origin_id", "required")
	}
	if r.UnitName == "" {
		return fault.Validation("unit_name", "required")
	}
	if r.ProfessionalName == "" {
		return fault.Validation("professional_name", "required")
	}
	if r.Status != "" && !r.Status.Valid() {
		return fault.Validation("status", "unknown status "+string(r.Status))
	}
	return nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RawProfessional is a distinct professional found in a promotion group
// together with the raw specialty names attached to it.
type RawProfessional struct {
	Key         string   `json:"key,omitempty"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties"`
}

// PromotionGroup is every staging row sharing one origin id. It is computed
// on demand and never stored.
type PromotionGroup struct {
	OriginID      string            `json:"origin_id"`
	Records       []StagingRecord   `json:"records"`
	Professionals []RawProfessional `json:"professionals"`
	Specialties   []string          `json:"specialties"`
}

// UnitName returns the first non-empty raw unit name in the group.
func (g *PromotionGroup) UnitName() string {
	for _, r := range g.Records {
		if r.UnitName != "" {
			return r.UnitName
		}
	}
	return ""
}

// Address returns the first non-empty raw address in the group.
func (g *PromotionGroup) Address() string {
	for _, r := range g.Records {
		if r.Address != "" {
			return r.Address
		}
	}
	return ""
}

// RecordIDs returns the ids of every row in the group.
func (g *PromotionGroup) RecordIDs() []int64 {
	ids := make([]int64, len(g.Records))
	for i, r := range g.Records {
		ids[i] = r.ID
	}
	return ids
}

// CountStatus returns how many rows carry status s.
func (g *PromotionGroup) CountStatus(s StagingStatus) int {
	n := 0
	for _, r := range g.Records {
		if r.Status == s {
			n++
		}
	}
	return n
}

// EnrichmentRecord holds the curator's canonical overrides for one origin.
type EnrichmentRecord struct {
	OriginID     string    `json:"origin_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	Address      string    `json:"address,omitempty"`
	Neighborhood string    `json:"neighborhood,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	WhatsApp     string    `json:"whatsapp,omitempty"`
	Hours        string    `json:"hours,omitempty"`
	Email        string    `json:"email,omitempty"`
	Website      string    `json:"website,omitempty"`
	Instagram    string    `json:"instagram,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	IconURL      string    `json:"icon_url,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	UpdatedBy    *int64    `json:"updated_by,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (e *EnrichmentRecord) HasCoordinates() bool {
	return e != nil && e.Latitude != nil && e.Longitude != nil
}

// SameContent reports whether e and o carry identical curator data,
// ignoring bookkeeping fields.
func (e *EnrichmentRecord) SameContent(o *EnrichmentRecord) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.OriginID == o.OriginID &&
		e.DisplayName == o.DisplayName &&
		e.Address == o.Address &&
		e.Neighborhood == o.Neighborhood &&
		floatPtrEqual(e.Latitude, o.Latitude) &&
		floatPtrEqual(e.Longitude, o.Longitude) &&
		e.Phone == o.Phone &&
		e.WhatsApp == o.WhatsApp &&
		e.Hours == o.Hours &&
		e.Email == o.Email &&
		e.Website == o.Website &&
		e.Instagram == o.Instagram &&
		e.ImageURL == o.ImageURL &&
		e.IconURL == o.IconURL &&
		e.Notes == o.Notes
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
