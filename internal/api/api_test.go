package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/merge"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/promote"
	"github.com/mapatur/reconcile/internal/staging"
	"github.com/mapatur/reconcile/internal/store"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error"`
}

func newTestServer(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	m, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() }) //nolint:errcheck
	require.NoError(t, m.SeedMappings(context.Background(),
		model.SpecialtyMapping{RawName: "Guia Turístico", CanonicalName: "Guia de Turismo"}))
	_, err = m.IngestStaging(context.Background(), []model.StagingRecord{
		{OriginID: "CNES-001", UnitName: "Museu X", ProfessionalName: "J. Silva", SpecialtyName: "Guia Turístico"},
	})
	require.NoError(t, err)

	s := &Server{
		Store:    m,
		Grouper:  staging.NewGrouper(m),
		Applier:  staging.NewApplier(m, model.DefaultRegion),
		Promoter: promote.New(m, promote.Config{}),
		Merger:   merge.NewEngine(m, model.DefaultSentinel),
	}
	return s.Handler([]string{"https://cms.example.org"}), m
}

func call(t *testing.T, h http.Handler, method, path, body string, header map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	code, env := call(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
	assert.Nil(t, env.Error)
}

func TestStagingRoutes(t *testing.T) {
	h, _ := newTestServer(t)

	code, env := call(t, h, http.MethodGet, "/staging", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["CNES-001"]`, string(env.Data))

	code, env = call(t, h, http.MethodGet, "/staging/CNES-001", "", nil)
	assert.Equal(t, http.StatusOK, code)
	var g model.PromotionGroup
	require.NoError(t, json.Unmarshal(env.Data, &g))
	assert.Equal(t, "CNES-001", g.OriginID)
	assert.Len(t, g.Records, 1)

	code, env = call(t, h, http.MethodGet, "/staging/CNES-404", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestEnrichPromoteAndAudit(t *testing.T) {
	h, _ := newTestServer(t)
	actor := map[string]string{ActorHeader: "7", "Content-Type": "application/json"}

	code, env := call(t, h, http.MethodPut, "/staging/CNES-001/enrichment", `{"latitude": -19.0}`, actor)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "coordinates", env.Error.Field)

	code, env = call(t, h, http.MethodPut, "/staging/CNES-001/enrichment",
		`{"display_name": "Museu de História X", "latitude": -19.0078, "longitude": -57.6547}`, actor)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	var er staging.EnrichResult
	require.NoError(t, json.Unmarshal(env.Data, &er))
	assert.True(t, er.Changed)

	code, env = call(t, h, http.MethodPost, "/staging/CNES-001/promote?dry_run=true", "", actor)
	require.Equal(t, http.StatusOK, code)
	var pr promote.Result
	require.NoError(t, json.Unmarshal(env.Data, &pr))
	assert.True(t, pr.DryRun)

	code, env = call(t, h, http.MethodPost, "/staging/CNES-001/promote", "", actor)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &pr))
	assert.False(t, pr.DryRun)
	assert.True(t, pr.Created)
	assert.Equal(t, 1, pr.RecordsPromoted)

	code, env = call(t, h, http.MethodGet, "/audit?table=units&actor=7", "", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []model.AuditEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, model.OpInsert, entries[0].Operation)

	code, env = call(t, h, http.MethodGet, "/audit?actor=8", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestMergeRoute(t *testing.T) {
	h, m := newTestServer(t)
	require.NoError(t, m.InTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 2; i++ {
			if err := tx.InsertUnit(ctx, &model.Unit{Name: "Museu X", Active: true}); err != nil {
				return err
			}
		}
		return nil
	}))

	code, env := call(t, h, http.MethodGet, "/units/candidates", "", nil)
	require.Equal(t, http.StatusOK, code)
	var cands []merge.Candidate
	require.NoError(t, json.Unmarshal(env.Data, &cands))
	require.Len(t, cands, 1)

	code, env = call(t, h, http.MethodPost, "/units/1/merge", `{"superseded_id": 1}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "superseded_id", env.Error.Field)

	code, env = call(t, h, http.MethodPost, "/units/1/merge", `{"superseded_id": 99}`, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = call(t, h, http.MethodPost, "/units/1/merge", `{"superseded_id": 2}`, nil)
	require.Equal(t, http.StatusOK, code)
	var res merge.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Deactivated)

	code, _ = call(t, h, http.MethodPost, "/units/abc/merge", `{"superseded_id": 2}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBadRequests(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name, method, path, body string
		header                   map[string]string
		field                    string
	}{
		{"bad actor", http.MethodPost, "/staging/CNES-001/promote", "", map[string]string{ActorHeader: "abc"}, ActorHeader},
		{"bad dry run", http.MethodPost, "/staging/CNES-001/promote?dry_run=maybe", "", nil, "dry_run"},
		{"unknown field", http.MethodPut, "/staging/CNES-001/enrichment", `{"colour": "red"}`, nil, "body"},
		{"bad since", http.MethodGet, "/audit?since=yesterday", "", nil, "since"},
		{"bad limit", http.MethodGet, "/audit?limit=-1", "", nil, "limit"},
		{"bad distance", http.MethodGet, "/units/candidates?max_distance=far", "", nil, "max_distance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := call(t, h, tt.method, tt.path, tt.body, tt.header)
			assert.Equal(t, http.StatusBadRequest, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.field, env.Error.Field)
		})
	}
}

func TestMetricsAndCORS(t *testing.T) {
	h, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	req := httptest.NewRequest(http.MethodOptions, "/staging/CNES-001/enrichment", nil)
	req.Header.Set("Origin", "https://cms.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	req.Header.Set("Access-Control-Request-Headers", ActorHeader)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://cms.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fault.KindValidation))
	assert.Equal(t, http.StatusNotFound, statusFor(fault.KindNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(fault.KindMappingGap))
	assert.Equal(t, http.StatusConflict, statusFor(fault.KindConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fault.KindTransaction))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fault.KindNone))
}

func TestWriteError_HidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), fault.Transaction(errors.New("password=secret")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Contains(t, rec.Body.String(), `"code":"transaction"`)
}
