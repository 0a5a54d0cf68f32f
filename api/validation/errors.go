package validation

import (
	"errors"
	"strings"
)

var (
	ErrMalformedBody   = errors.New("request body is not valid JSON")
	ErrSchemaViolation = errors.New("request body does not match schema")
)

// SchemaError lists every violation found in one request body.
type SchemaError struct {
	Details []string
}

func (e *SchemaError) Error() string {
	return ErrSchemaViolation.Error() + ": " + strings.Join(e.Details, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrSchemaViolation }
