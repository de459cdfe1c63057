// Package openapi validates request bodies against the service's embedded
// OpenAPI document, keyed by operationId.
package openapi

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/accredit/model"
)

//go:embed openapi.yaml
var embedded []byte

// Operation is an indexed operation of the document.
type Operation struct {
	ID           string
	Method       string
	PathTemplate string
	BodyRequired bool
	body         *openapi3.Schema
}

// Validator checks JSON request bodies against operation schemas.
type Validator struct {
	operations map[string]Operation
}

// Load parses and validates the embedded document.
func Load() (*Validator, error) {
	return LoadData(embedded)
}

// LoadData parses and validates an OpenAPI document.
func LoadData(data []byte) (*Validator, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	v := &Validator{operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			indexed := Operation{ID: op.OperationID, Method: method, PathTemplate: path}
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				indexed.BodyRequired = op.RequestBody.Value.Required
				if mt := op.RequestBody.Value.Content.Get("application/json"); mt != nil && mt.Schema != nil {
					indexed.body = mt.Schema.Value
				}
			}
			v.operations[op.OperationID] = indexed
		}
	}
	return v, nil
}

// Operation returns the indexed operation.
func (v *Validator) Operation(id string) (Operation, bool) {
	op, ok := v.operations[id]
	return op, ok
}

// OperationIDs returns every indexed operationId, sorted.
func (v *Validator) OperationIDs() []string {
	ids := make([]string, 0, len(v.operations))
	for id := range v.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks body against the operation's request schema. It
// returns a BAD_REQUEST envelope for malformed JSON and a VALIDATION_ERROR
// envelope listing every schema violation.
func (v *Validator) ValidateBody(operationID string, body []byte) error {
	op, ok := v.operations[operationID]
	if !ok {
		return fmt.Errorf("openapi: unknown operation %q", operationID)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if op.BodyRequired {
			return model.NewValidationError([]model.FieldError{{Field: "body", Code: "REQUIRED", Message: "request body is required"}})
		}
		return nil
	}
	if op.body == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return model.NewBadRequestError("request body is not valid JSON")
	}
	err := op.body.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return model.NewValidationError(fieldErrors(err))
}

func fieldErrors(err error) []model.FieldError {
	var out []model.FieldError
	var walk func(error)
	walk = func(err error) {
		var multi openapi3.MultiError
		if errors.As(err, &multi) {
			for _, e := range multi {
				walk(e)
			}
			return
		}
		var se *openapi3.SchemaError
		if errors.As(err, &se) {
			out = append(out, model.FieldError{
				Field:   fieldPath(se.JSONPointer()),
				Code:    schemaCode(se.SchemaField),
				Message: se.Reason,
			})
			return
		}
		out = append(out, model.FieldError{Field: "body", Code: "INVALID", Message: err.Error()})
	}
	walk(err)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func fieldPath(pointer []string) string {
	if len(pointer) == 0 {
		return "body"
	}
	return strings.Join(pointer, ".")
}

func schemaCode(field string) string {
	switch field {
	case "required":
		return "REQUIRED"
	case "type":
		return "INVALID_TYPE"
	case "enum":
		return "INVALID_VALUE"
	case "minLength", "maxLength", "minItems", "maxItems":
		return "INVALID_LENGTH"
	case "format", "pattern":
		return "INVALID_FORMAT"
	default:
		return "INVALID"
	}
}
