package openapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/accredit/model"
)

func load(t *testing.T) *Validator {
	t.Helper()
	v, err := Load()
	require.NoError(t, err)
	return v
}

func details(t *testing.T, err error) []model.FieldError {
	t.Helper()
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, model.ErrValidationError, env.Code)
	return env.Details
}

func hasDetail(ds []model.FieldError, field, code string) bool {
	for _, d := range ds {
		if d.Field == field && d.Code == code {
			return true
		}
	}
	return false
}

func TestLoad_indexesOperations(t *testing.T) {
	v := load(t)

	op, ok := v.Operation("recordDecision")
	require.True(t, ok)
	assert.Equal(t, "POST", op.Method)
	assert.Equal(t, "/api/applications/{id}/decisions", op.PathTemplate)
	assert.True(t, op.BodyRequired)

	op, ok = v.Operation("generateContract")
	require.True(t, ok)
	assert.False(t, op.BodyRequired)

	assert.Contains(t, v.OperationIDs(), "applySanction")
	assert.Contains(t, v.OperationIDs(), "geocode")
}

func TestLoadData_invalidDocument(t *testing.T) {
	_, err := LoadData([]byte("openapi: 3.0.3\ninfo: {}\n"))
	assert.Error(t, err)
}

func TestValidateBody_valid(t *testing.T) {
	v := load(t)

	tests := []struct {
		op   string
		body string
	}{
		{"createApplication", `{"program_id":"prog-1","payload":{"name":"Ana"}}`},
		{"recordDecision", `{"outcome":"pending_correction","justification":"missing CRM","rejected_fields":[{"field":"license","reason":"illegible"}]}`},
		{"generateContract", ``},
		{"generateContract", `{"template_id":"default"}`},
		{"reprocessContracts", `{"contract_ids":["C1","C2"]}`},
		{"applySanction", `{"provider_id":"P1","type":"warning","reason":"late report"}`},
		{"transitionSanction", `{"to":"cancelled","reason":"appeal"}`},
		{"validateTaxID", `{"id":"529.982.247-25"}`},
		{"geocode", `{"address":"Av. Paulista, 1000"}`},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			assert.NoError(t, v.ValidateBody(tt.op, []byte(tt.body)))
		})
	}
}

func TestValidateBody_requiredBodyMissing(t *testing.T) {
	v := load(t)

	ds := details(t, v.ValidateBody("recordDecision", nil))
	assert.True(t, hasDetail(ds, "body", "REQUIRED"), "details = %+v", ds)
}

func TestValidateBody_malformedJSON(t *testing.T) {
	v := load(t)

	err := v.ValidateBody("createApplication", []byte(`{"program_id":`))
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "err = %v", err)
}

func TestValidateBody_reportsEveryViolation(t *testing.T) {
	v := load(t)

	ds := details(t, v.ValidateBody("recordDecision", []byte(`{"outcome":"maybe"}`)))
	assert.True(t, hasDetail(ds, "outcome", "INVALID_VALUE"), "details = %+v", ds)
	assert.True(t, hasDetail(ds, "justification", "REQUIRED"), "details = %+v", ds)
}

func TestValidateBody_typeMismatch(t *testing.T) {
	v := load(t)

	ds := details(t, v.ValidateBody("createApplication", []byte(`{"program_id":42}`)))
	assert.True(t, hasDetail(ds, "program_id", "INVALID_TYPE"), "details = %+v", ds)
}

func TestValidateBody_unknownOperation(t *testing.T) {
	v := load(t)

	err := v.ValidateBody("nope", []byte(`{}`))
	require.Error(t, err)
	assert.Empty(t, model.ErrorCode(err))
}
