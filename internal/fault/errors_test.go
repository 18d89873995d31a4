package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"plain", errors.New("boom"), KindNone},
		{"validation", Validation("latitude", "required"), KindValidation},
		{"not found", NotFound("unit", 7), KindNotFound},
		{"mapping gap", &MappingGapError{OriginID: "A", RawNames: []string{"X"}}, KindMappingGap},
		{"conflict", Conflict(errors.New("busy")), KindConflict},
		{"transaction", &TransactionError{Err: errors.New("io")}, KindTransaction},
		{"wrapped validation", eris.Wrap(Validation("x", "y"), "enrich"), KindValidation},
		{"fmt wrapped not found", fmt.Errorf("load: %w", NotFound("origin", "CNES-1")), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTransaction_ClassifiesPostgresErrors(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	assert.True(t, IsConflict(Transaction(eris.Wrap(serialization, "update unit"))))

	deadlock := &pgconn.PgError{Code: "40P01"}
	assert.True(t, IsConflict(Transaction(deadlock)))

	unique := &pgconn.PgError{Code: "23505"}
	assert.Equal(t, KindTransaction, KindOf(Transaction(unique)))

	assert.Nil(t, Transaction(nil))
}

func TestTransaction_KeepsExistingKind(t *testing.T) {
	err := Transaction(NotFound("unit", 3))
	assert.True(t, IsNotFound(err))
	assert.True(t, Rejected(err))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation: longitude: required with latitude", Validation("longitude", "required with latitude").Error())
	assert.Equal(t, "validation: empty payload", Validation("", "empty payload").Error())
	assert.Equal(t, "not found: origin CNES-001", NotFound("origin", "CNES-001").Error())
	gap := &MappingGapError{OriginID: "CNES-001", RawNames: []string{"A", "B"}}
	assert.Equal(t, "mapping gap: origin CNES-001: unmapped specialties [A, B]", gap.Error())
}

func TestUnwrap(t *testing.T) {
	base := errors.New("root")
	assert.ErrorIs(t, Conflict(base), base)
	assert.ErrorIs(t, &TransactionError{Err: base}, base)
}
