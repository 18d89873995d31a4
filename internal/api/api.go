// Package api exposes enrichment, promotion, merge and the audit read path
// over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mapatur/reconcile/internal/merge"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/promote"
	"github.com/mapatur/reconcile/internal/staging"
	"github.com/mapatur/reconcile/internal/store"
)

// ActorHeader carries the id of the authenticated user making the call.
// Authentication itself happens in front of this service.
const ActorHeader = "X-Actor-ID"

// maxBody caps request bodies.
const maxBody = 1 << 20

// Server holds the components the handlers call into.
type Server struct {
	Store    store.Store
	Grouper  *staging.Grouper
	Applier  *staging.Applier
	Promoter *promote.Promoter
	Merger   *merge.Engine
}

// Handler builds the router. allowedOrigins feeds the CORS policy.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/staging", func(r chi.Router) {
		r.Get("/", s.listPending)
		r.Get("/{origin}", s.getGroup)
		r.Put("/{origin}/enrichment", s.enrich)
		r.Post("/{origin}/promote", s.promote)
	})
	r.Get("/units/candidates", s.candidates)
	r.Post("/units/{id}/merge", s.merge)
	r.Get("/audit", s.listAudit)

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]string{"status": "ok"})
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Grouper.Pending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	ok(w, ids)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.Grouper.Group(r.Context(), chi.URLParam(r, "origin"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, g)
}

func (s *Server) enrich(w http.ResponseWriter, r *http.Request) {
	actor, good := actorID(w, r)
	if !good {
		return
	}
	var in staging.EnrichInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.Applier.Enrich(r.Context(), chi.URLParam(r, "origin"), in, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, res)
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	actor, good := actorID(w, r)
	if !good {
		return
	}
	dry, good := dryRun(w, r)
	if !good {
		return
	}
	res, err := s.Promoter.Promote(r.Context(), chi.URLParam(r, "origin"), promote.Options{DryRun: dry, Actor: actor})
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, res)
}

type mergeRequest struct {
	SupersededID int64 `json:"superseded_id"`
}

func (s *Server) merge(w http.ResponseWriter, r *http.Request) {
	actor, good := actorID(w, r)
	if !good {
		return
	}
	dry, good := dryRun(w, r)
	if !good {
		return
	}
	survivor, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "id", "unit id must be an integer")
		return
	}
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Merger.Merge(r.Context(), survivor, req.SupersededID, merge.Options{DryRun: dry, Actor: actor})
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, res)
}

func (s *Server) candidates(w http.ResponseWriter, r *http.Request) {
	var finder merge.PairFinder
	if v := r.URL.Query().Get("max_distance"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil || d < 0 {
			badRequest(w, "max_distance", "must be a non-negative number of meters")
			return
		}
		finder = merge.NameMatcher{MaxDistance: d}
	}
	got, err := s.Merger.FindCandidates(r.Context(), finder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if got == nil {
		got = []merge.Candidate{}
	}
	ok(w, got)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	f, field, err := auditFilter(r)
	if err != nil {
		badRequest(w, field, err.Error())
		return
	}
	entries, err := s.Store.ListAudit(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	ok(w, entries)
}

// auditFilter reads table, operation, record, actor, since, until (RFC
// 3339) and limit from the query string.
func auditFilter(r *http.Request) (model.AuditFilter, string, error) {
	q := r.URL.Query()
	f := model.AuditFilter{
		Table:     q.Get("table"),
		Operation: model.AuditOperation(q.Get("operation")),
		RecordID:  q.Get("record"),
	}
	if v := q.Get("actor"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, "actor", err
		}
		f.ActorID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, p.name, err
		}
		*p.dst = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, "limit", strconv.ErrSyntax
		}
		f.Limit = n
	}
	return f, "", nil
}

// actorID parses the optional actor header. It writes a 400 and returns
// false when the header is present but malformed.
func actorID(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	v := r.Header.Get(ActorHeader)
	if v == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, ActorHeader, "actor id must be a positive integer")
		return nil, false
	}
	return &id, true
}

func dryRun(w http.ResponseWriter, r *http.Request) (bool, bool) {
	v := r.URL.Query().Get("dry_run")
	if v == "" {
		return false, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		badRequest(w, "dry_run", "must be a boolean")
		return false, false
	}
	return b, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "body", "invalid request body: "+err.Error())
		return false
	}
	return true
}
