package staging

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/fetcher"
	"github.com/mapatur/reconcile/internal/model"
	"github.com/mapatur/reconcile/internal/store"
)

// headerAliases maps accepted export column names to staging fields. The
// Portuguese names are those of the municipal health exports.
var headerAliases = map[string]string{
	"origin_id":          "origin_id",
	"id_origem":          "origin_id",
	"cnes":               "origin_id",
	"unit_name":          "unit_name",
	"nome_unidade":       "unit_name",
	"professional_name":  "professional_name",
	"nome_medico":        "professional_name",
	"nome_profissional":  "professional_name",
	"professional_key":   "professional_key",
	"crm":                "professional_key",
	"specialty_name":     "specialty_name",
	"nome_especialidade": "specialty_name",
	"especialidade":      "specialty_name",
	"address":            "address",
	"endereco":           "address",
}

// Rejection is a row refused at the ingestion boundary.
type Rejection struct {
	Row    int    `json:"row"` // 1-based data row number, header excluded
	Reason string `json:"reason"`
}

// IngestReport summarizes an ingestion run.
type IngestReport struct {
	Read       int         `json:"read"`
	Duplicates int         `json:"duplicates"`
	Written    int64       `json:"written"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

// ParseRecords turns header-keyed rows into cleaned staging records. Rows
// failing validation are reported and dropped; repeated (origin,
// professional, specialty) triples keep their first occurrence.
func ParseRecords(rows []map[string]string) ([]model.StagingRecord, *IngestReport) {
	report := &IngestReport{Read: len(rows)}
	seen := make(map[[3]string]bool, len(rows))

	var out []model.StagingRecord
	for i, row := range rows {
		fields := make(map[string]string, len(row))
		for k, v := range row {
			if f, ok := headerAliases[k]; ok && (fields[f] == "" || k == f) {
				fields[f] = v
			}
		}

		r := model.StagingRecord{
			OriginID:         fields["origin_id"],
			UnitName:         fields["unit_name"],
			ProfessionalName: fields["professional_name"],
			ProfessionalKey:  fields["professional_key"],
			SpecialtyName:    fields["specialty_name"],
			Address:          fields["address"],
		}
		r.Clean()
		if err := r.Validate(); err != nil {
			report.Rejected = append(report.Rejected, Rejection{Row: i + 1, Reason: err.Error()})
			continue
		}

		key := [3]string{r.OriginID, r.ProfessionalName, r.SpecialtyName}
		if seen[key] {
			report.Duplicates++
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, report
}

// Ingest validates rows and upserts the accepted ones into staging.
func Ingest(ctx context.Context, s store.Store, rows []map[string]string) (*IngestReport, error) {
	recs, report := ParseRecords(rows)
	if len(recs) > 0 {
		n, err := s.IngestStaging(ctx, recs)
		if err != nil {
			return report, eris.Wrap(err, "staging: ingest")
		}
		report.Written = n
	}

	zap.L().Info("staging rows ingested",
		zap.String("component", "staging.ingest"),
		zap.Int("read", report.Read),
		zap.Int64("written", report.Written),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}

// IngestFile reads a CSV, TSV or XLSX export and ingests its rows.
func IngestFile(ctx context.Context, s store.Store, path string) (*IngestReport, error) {
	tbl, err := fetcher.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return Ingest(ctx, s, tbl.Records())
}
