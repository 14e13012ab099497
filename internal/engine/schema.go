package engine

import (
	"bytes"
	"encoding/json"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/apirun/apirun/internal/apierrors"
)

var trivialSchemas = [][]byte{
	[]byte("{}"),
	[]byte("null"),
	[]byte("true"),
}

// validateAgainstSchema checks a value against an optional structural
// contract. A missing or trivial schema always passes. Malformed schemas
// are a definition problem, not a caller problem.
func validateAgainstSchema(raw json.RawMessage, value any, failureKind apierrors.Kind) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	for _, trivial := range trivialSchemas {
		if bytes.Equal(trimmed, trivial) {
			return nil
		}
	}

	schema := &openapi3.Schema{}
	if err := schema.UnmarshalJSON(raw); err != nil {
		return apierrors.Newf(apierrors.KindConfiguration, "invalid schema: %v", err)
	}

	if value == nil {
		value = map[string]any{}
	}
	if err := schema.VisitJSON(value); err != nil {
		return apierrors.New(failureKind, err.Error())
	}
	return nil
}
