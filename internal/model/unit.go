package model

import "time"

// Unit is the canonical, publicly visible production entity.
type Unit struct {
	ID           int64     `json:"id"`
	OriginID     *string   `json:"origin_id"` // nil for manually created units
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Neighborhood string    `json:"neighborhood"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Phone        string    `json:"phone"`
	WhatsApp     string    `json:"whatsapp"`
	Hours        string    `json:"hours"`
	Email        string    `json:"email"`
	Website      string    `json:"website"`
	Instagram    string    `json:"instagram"`
	ImageURL     string    `json:"image_url"`
	IconURL      string    `json:"icon_url"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of u.
func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	if u.OriginID != nil {
		o := *u.OriginID
		c.OriginID = &o
	}
	return &c
}

// Coordinates returns the unit's position.
func (u *Unit) Coordinates() Coordinates {
	return Coordinates{Lat: u.Latitude, Lon: u.Longitude}
}

// Professional is a normalized person reference.
type Professional struct {
	ID             int64     `json:"id"`
	NaturalKey     *string   `json:"natural_key"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Specialty is a normalized specialty reference.
type Specialty struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// SpecialtyMapping maps a raw extracted specialty name to its canonical
// name. Maintained by a separate curation workflow; read-only here.
type SpecialtyMapping struct {
	RawName       string `json:"raw_name"`
	CanonicalName string `json:"canonical_name"`
}

// ProfessionalSpecialty assigns a specialty to a professional.
type ProfessionalSpecialty struct {
	ProfessionalID int64     `json:"professional_id"`
	SpecialtyID    int64     `json:"specialty_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// UnitProfessionalLink associates a professional with a unit.
type UnitProfessionalLink struct {
	UnitID         int64     `json:"unit_id"`
	ProfessionalID int64     `json:"professional_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Provenance records who created a unit-specialty link.
type Provenance string

const (
	// ProvenancePipeline links are derived from professionals and may be
	// removed when no linked professional supports them.
	ProvenancePipeline Provenance = "pipeline"
	// ProvenanceManual links were curated by hand and are never removed by
	// derivation.
	ProvenanceManual Provenance = "manual"
)

// UnitSpecialtyLink associates a specialty with a unit.
type UnitSpecialtyLink struct {
	UnitID      int64      `json:"unit_id"`
	SpecialtyID int64      `json:"specialty_id"`
	Provenance  Provenance `json:"provenance"`
	CreatedAt   time.Time  `json:"created_at"`
}
