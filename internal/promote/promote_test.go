package promote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/resilience"
	"github.com/mapatur/reconcile/internal/staging"
	"github.com/mapatur/reconcile/internal/store"
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	t     *testing.T
	store *store.Memory
}

func newFixture(t *testing.T, recs ...model.StagingRecord) *fixture {
	t.Helper()
	m, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() }) //nolint:errcheck
	require.NoError(t, m.SeedMappings(context.Background(),
		model.SpecialtyMapping{RawName: "Guia Turístico", CanonicalName: "Guia de Turismo"},
		model.SpecialtyMapping{RawName: "Guia", CanonicalName: "Guia de Turismo"},
		model.SpecialtyMapping{RawName: "Historiador", CanonicalName: "História"},
	))
	_, err = m.IngestStaging(context.Background(), recs)
	require.NoError(t, err)
	return &fixture{t: t, store: m}
}

func museumFixture(t *testing.T) *fixture {
	return newFixture(t, model.StagingRecord{
		OriginID:         "CNES-001",
		UnitName:         "Museu X",
		ProfessionalName: "J. Silva",
		SpecialtyName:    "Guia Turístico",
		Address:          "Rua 13 de Junho, 100",
	})
}

func (f *fixture) enrich(origin string, in staging.EnrichInput) {
	f.t.Helper()
	_, err := staging.NewApplier(f.store, model.DefaultRegion).Enrich(context.Background(), origin, in, nil)
	require.NoError(f.t, err)
}

func (f *fixture) enrichDefault(origin string) {
	f.enrich(origin, staging.EnrichInput{
		DisplayName: ptr("Museu de História X"),
		Latitude:    ptr(-19.0078),
		Longitude:   ptr(-57.6547),
	})
}

// read runs fn in a rolled-back transaction.
func (f *fixture) read(fn func(ctx context.Context, tx store.Tx)) {
	f.t.Helper()
	require.NoError(f.t, f.store.InTx(context.Background(), store.TxOptions{DryRun: true}, func(ctx context.Context, tx store.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (f *fixture) activeUnits() []model.Unit {
	var units []model.Unit
	f.read(func(ctx context.Context, tx store.Tx) {
		var err error
		units, err = tx.ListActiveUnits(ctx)
		require.NoError(f.t, err)
	})
	return units
}

func (f *fixture) rows(origin string) []model.StagingRecord {
	var recs []model.StagingRecord
	f.read(func(ctx context.Context, tx store.Tx) {
		var err error
		recs, err = tx.ListStagingByOrigin(ctx, origin, false)
		require.NoError(f.t, err)
	})
	return recs
}

func (f *fixture) auditCount() int {
	entries, err := f.store.ListAudit(context.Background(), model.AuditFilter{Limit: 1000})
	require.NoError(f.t, err)
	return len(entries)
}

func tables(entries []model.AuditEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Table
	}
	return out
}

func TestPromote_ExampleScenario(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")
	actor := int64(3)

	res, err := New(f.store, Config{}).Promote(context.Background(), "CNES-001", Options{Actor: &actor})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, model.OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.RecordsPromoted)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, []string{
		model.TableUnits,
		model.TableProfessionals,
		model.TableUnitProfessionals,
		model.TableSpecialties,
		model.TableProfessionalSpecialties,
		model.TableUnitSpecialties,
	}, tables(res.Audit))
	for _, e := range res.Audit {
		assert.Equal(t, model.OpInsert, e.Operation)
		assert.Equal(t, &actor, e.ActorID)
		assert.Equal(t, res.CorrelationID, e.CorrelationID)
	}

	units := f.activeUnits()
	require.Len(t, units, 1)
	u := units[0]
	assert.Equal(t, res.UnitID, u.ID)
	assert.Equal(t, "Museu de História X", u.Name, "enrichment overrides the raw name")
	assert.Equal(t, "Rua 13 de Junho, 100", u.Address)
	assert.InDelta(t, -19.0078, u.Latitude, 1e-9)

	f.read(func(ctx context.Context, tx store.Tx) {
		profIDs, err := tx.ListUnitProfessionalIDs(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, profIDs, 1)

		p, err := tx.FindProfessionalByName(ctx, "J SILVA")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "J. Silva", p.Name)

		s, err := tx.FindSpecialtyByName(ctx, "GUIA DE TURISMO")
		require.NoError(t, err)
		require.NotNil(t, s)

		links, err := tx.ListUnitSpecialtyLinks(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, s.ID, links[0].SpecialtyID)
		assert.Equal(t, model.ProvenancePipeline, links[0].Provenance)
	})

	for _, r := range f.rows("CNES-001") {
		assert.Equal(t, model.StatusPromoted, r.Status)
		require.NotNil(t, r.ProdUnitID)
		assert.Equal(t, u.ID, *r.ProdUnitID)
	}

	// enrichment insert + the six promotion entries
	assert.Equal(t, 7, f.auditCount())
}

func TestPromote_Idempotent(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")
	p := New(f.store, Config{})

	first, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)
	before := f.activeUnits()
	count := f.auditCount()

	second, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.UnitID, second.UnitID)
	assert.Equal(t, 0, second.RecordsPromoted)
	assert.Empty(t, second.Audit)
	assert.Equal(t, count, f.auditCount())
	assert.Equal(t, before, f.activeUnits())
}

func TestPromote_ReEnrichmentUpdatesUnit(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")
	p := New(f.store, Config{})

	first, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)

	f.enrich("CNES-001", staging.EnrichInput{Phone: ptr("67 3231-0000")})
	for _, r := range f.rows("CNES-001") {
		assert.Equal(t, model.StatusEnriched, r.Status)
	}

	res, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)
	assert.Equal(t, first.UnitID, res.UnitID)
	assert.Equal(t, 1, res.RecordsPromoted)
	require.Len(t, res.Audit, 1)
	assert.Equal(t, model.TableUnits, res.Audit[0].Table)
	assert.Equal(t, model.OpUpdate, res.Audit[0].Operation)
	assert.Equal(t, []string{"phone"}, res.Audit[0].ChangedFields)
	assert.Len(t, f.activeUnits(), 1)
}

func TestPromote_ClearedEnrichmentClearsUnit(t *testing.T) {
	f := museumFixture(t)
	f.enrich("CNES-001", staging.EnrichInput{
		Latitude:  ptr(-19.0078),
		Longitude: ptr(-57.6547),
		Phone:     ptr("67 3231-0000"),
		Media:     []staging.MediaOp{{Target: staging.MediaImage, Action: staging.MediaAttach, Ref: "https://cdn.example.org/museu.jpg"}},
	})
	p := New(f.store, Config{})

	_, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)
	units := f.activeUnits()
	require.Len(t, units, 1)
	assert.Equal(t, "67 3231-0000", units[0].Phone)
	assert.Equal(t, "https://cdn.example.org/museu.jpg", units[0].ImageURL)

	f.enrich("CNES-001", staging.EnrichInput{
		Phone: ptr(""),
		Media: []staging.MediaOp{{Target: staging.MediaImage, Action: staging.MediaRemove}},
	})

	res, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)
	require.Len(t, res.Audit, 1)
	assert.Equal(t, model.OpUpdate, res.Audit[0].Operation)
	assert.Equal(t, []string{"image_url", "phone"}, res.Audit[0].ChangedFields)

	units = f.activeUnits()
	require.Len(t, units, 1)
	assert.Empty(t, units[0].Phone)
	assert.Empty(t, units[0].ImageURL)
	assert.Equal(t, "Museu X", units[0].Name, "name still falls back to staging")
	assert.Equal(t, "Rua 13 de Junho, 100", units[0].Address)
}

func TestPromote_GroupWithSeveralProfessionals(t *testing.T) {
	f := newFixture(t,
		model.StagingRecord{OriginID: "CNES-002", UnitName: "Forte Y", ProfessionalName: "Dr. Ana Lima", SpecialtyName: "Guia"},
		model.StagingRecord{OriginID: "CNES-002", UnitName: "Forte Y", ProfessionalName: "Ana Lima", SpecialtyName: "Historiador"},
		model.StagingRecord{OriginID: "CNES-002", UnitName: "Forte Y", ProfessionalName: "B. Costa", ProfessionalKey: "MS-9", SpecialtyName: "Guia Turístico"},
	)
	f.enrichDefault("CNES-002")

	res, err := New(f.store, Config{}).Promote(context.Background(), "CNES-002", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecordsPromoted)

	f.read(func(ctx context.Context, tx store.Tx) {
		profIDs, err := tx.ListUnitProfessionalIDs(ctx, res.UnitID)
		require.NoError(t, err)
		assert.Len(t, profIDs, 2, "honorific variants collapse into one professional")

		keyed, err := tx.FindProfessionalByKey(ctx, "MS-9")
		require.NoError(t, err)
		require.NotNil(t, keyed)

		links, err := tx.ListUnitSpecialtyLinks(ctx, res.UnitID)
		require.NoError(t, err)
		assert.Len(t, links, 2, "Guia and Guia Turístico share one canonical specialty")
	})
}

func TestPromote_MappingGap(t *testing.T) {
	recs := []model.StagingRecord{
		{OriginID: "CNES-003", UnitName: "Casa Z", ProfessionalName: "C. Dias", SpecialtyName: "Guia"},
		{OriginID: "CNES-003", UnitName: "Casa Z", ProfessionalName: "C. Dias", SpecialtyName: "Benzedeira"},
	}

	t.Run("beyond tolerance fails and marks rows", func(t *testing.T) {
		f := newFixture(t, recs...)
		f.enrichDefault("CNES-003")

		_, err := New(f.store, Config{GapTolerance: 0}).Promote(context.Background(), "CNES-003", Options{})
		var gap *fault.MappingGapError
		require.True(t, errors.As(err, &gap))
		assert.Equal(t, []string{"Benzedeira"}, gap.RawNames)

		assert.Empty(t, f.activeUnits())
		for _, r := range f.rows("CNES-003") {
			assert.Equal(t, model.StatusError, r.Status)
			assert.Contains(t, r.ErrorReason, "Benzedeira")
		}
	})

	t.Run("within tolerance warns", func(t *testing.T) {
		f := newFixture(t, recs...)
		f.enrichDefault("CNES-003")

		res, err := New(f.store, Config{GapTolerance: 1}).Promote(context.Background(), "CNES-003", Options{})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAppliedWithWarnings, res.Outcome)
		assert.Equal(t, []string{"Benzedeira"}, res.Unmapped)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "Benzedeira")

		f.read(func(ctx context.Context, tx store.Tx) {
			links, err := tx.ListUnitSpecialtyLinks(ctx, res.UnitID)
			require.NoError(t, err)
			assert.Len(t, links, 1, "unmapped names get no specialty link")
			s, err := tx.FindSpecialtyByName(ctx, "BENZEDEIRA")
			require.NoError(t, err)
			assert.Nil(t, s)
		})
	})

	t.Run("strict fails on any gap", func(t *testing.T) {
		f := newFixture(t, recs...)
		f.enrichDefault("CNES-003")

		_, err := New(f.store, Config{Strict: true, GapTolerance: 10}).Promote(context.Background(), "CNES-003", Options{})
		assert.Equal(t, fault.KindMappingGap, fault.KindOf(err))
		assert.Empty(t, f.activeUnits())
	})
}

func TestPromote_RejectedBeforeAnyWrite(t *testing.T) {
	t.Run("unknown origin", func(t *testing.T) {
		f := museumFixture(t)
		_, err := New(f.store, Config{}).Promote(context.Background(), "CNES-404", Options{})
		assert.True(t, fault.IsNotFound(err))
	})

	t.Run("empty origin", func(t *testing.T) {
		f := museumFixture(t)
		_, err := New(f.store, Config{}).Promote(context.Background(), "", Options{})
		assert.True(t, fault.IsValidation(err))
	})

	t.Run("no coordinates", func(t *testing.T) {
		f := museumFixture(t)
		f.enrich("CNES-001", staging.EnrichInput{DisplayName: ptr("Museu X")})

		_, err := New(f.store, Config{}).Promote(context.Background(), "CNES-001", Options{})
		assert.True(t, fault.IsValidation(err))
		assert.Empty(t, f.activeUnits())
		for _, r := range f.rows("CNES-001") {
			assert.Equal(t, model.StatusEnriched, r.Status, "rejections do not mark rows")
		}
	})

	t.Run("coordinates outside a narrower region", func(t *testing.T) {
		f := museumFixture(t)
		f.enrichDefault("CNES-001")
		narrow := model.Region{MinLat: -18.5, MaxLat: -18.0, MinLon: -58.0, MaxLon: -57.0}

		_, err := New(f.store, Config{Region: narrow}).Promote(context.Background(), "CNES-001", Options{})
		assert.True(t, fault.IsValidation(err))
	})
}

func TestPromote_AtomicUnderInjectedFailure(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")
	auditBefore := f.auditCount()

	f.store.Hook = func(op string) error {
		if op == "InsertUnitSpecialtyLink" {
			return errors.New("constraint violation")
		}
		return nil
	}
	_, err := New(f.store, Config{}).Promote(context.Background(), "CNES-001", Options{})
	require.Error(t, err)
	assert.Equal(t, fault.KindTransaction, fault.KindOf(err))
	f.store.Hook = nil

	assert.Empty(t, f.activeUnits())
	assert.Equal(t, auditBefore, f.auditCount())
	f.read(func(ctx context.Context, tx store.Tx) {
		p, err := tx.FindProfessionalByName(ctx, "J SILVA")
		require.NoError(t, err)
		assert.Nil(t, p)
	})
	for _, r := range f.rows("CNES-001") {
		assert.Equal(t, model.StatusError, r.Status)
		assert.Contains(t, r.ErrorReason, "constraint violation")
		assert.Nil(t, r.ProdUnitID)
	}

	// a corrected retry succeeds
	res, err := New(f.store, Config{}).Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestPromote_RetriesConflicts(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")

	conflicts := 0
	f.store.Hook = func(op string) error {
		if op == "InsertUnitSpecialtyLink" && conflicts == 0 {
			conflicts++
			return fault.Conflict(errors.New("could not serialize access"))
		}
		return nil
	}
	cfg := Config{Retry: resilience.RetryConfig{InitialBackoff: time.Millisecond}}
	res, err := New(f.store, cfg).Promote(context.Background(), "CNES-001", Options{})
	f.store.Hook = nil
	require.NoError(t, err)

	assert.Equal(t, 1, conflicts)
	assert.True(t, res.Created)
	assert.Len(t, res.Audit, 6, "the failed attempt leaves nothing behind")
	assert.Len(t, f.activeUnits(), 1)
}

func TestPromote_ConflictNotMarkedAsError(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")

	f.store.Hook = func(op string) error {
		if op == "InsertUnit" {
			return fault.Conflict(errors.New("could not serialize access"))
		}
		return nil
	}
	cfg := Config{Retry: resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}}
	_, err := New(f.store, cfg).Promote(context.Background(), "CNES-001", Options{})
	f.store.Hook = nil
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))

	assert.Empty(t, f.activeUnits())
	for _, r := range f.rows("CNES-001") {
		assert.Equal(t, model.StatusEnriched, r.Status)
		assert.Empty(t, r.ErrorReason)
	}
}

func TestPromote_DryRun(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")
	auditBefore := f.auditCount()

	res, err := New(f.store, Config{}).Promote(context.Background(), "CNES-001", Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.True(t, res.Created)
	assert.Len(t, res.Audit, 6)

	assert.Empty(t, f.activeUnits())
	assert.Equal(t, auditBefore, f.auditCount())
	for _, r := range f.rows("CNES-001") {
		assert.Equal(t, model.StatusEnriched, r.Status)
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t,
		model.StagingRecord{OriginID: "A", UnitName: "Museu A", ProfessionalName: "P. A", SpecialtyName: "Guia"},
		model.StagingRecord{OriginID: "B", UnitName: "Museu B", ProfessionalName: "P. B", SpecialtyName: "Guia"},
		model.StagingRecord{OriginID: "C", UnitName: "Museu C", ProfessionalName: "P. C", SpecialtyName: "Guia"},
	)
	f.enrichDefault("A")
	f.enrichDefault("C")

	items, err := New(f.store, Config{}).Batch(context.Background(), []string{"A", "B", "C"}, Options{}, 2)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "A", items[0].OriginID)
	assert.NoError(t, items[0].Err)
	assert.True(t, fault.IsValidation(items[1].Err))
	assert.NotEmpty(t, items[1].Message)
	assert.NoError(t, items[2].Err)
	assert.Empty(t, items[2].Message)

	assert.Len(t, f.activeUnits(), 2)
}

func TestBatch_Cancelled(t *testing.T) {
	f := museumFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(f.store, Config{}).Batch(ctx, []string{"CNES-001"}, Options{}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromote_RefusesOriginOfMergedUnit(t *testing.T) {
	f := museumFixture(t)
	f.enrichDefault("CNES-001")
	p := New(f.store, Config{})

	res, err := p.Promote(context.Background(), "CNES-001", Options{})
	require.NoError(t, err)

	require.NoError(t, f.store.InTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUnit(ctx, res.UnitID, true)
		require.NoError(t, err)
		u.Active = false
		return tx.UpdateUnit(ctx, u)
	}))

	_, err = p.Promote(context.Background(), "CNES-001", Options{})
	assert.True(t, fault.IsValidation(err))
	assert.Empty(t, f.activeUnits())
}
