package store

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaError reports a hits table whose columns do not match the
// expected shape. A store with a SchemaError is recreated from scratch.
type SchemaError struct {
	Missing []string
	Extra   []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing columns %s", strings.Join(e.Missing, ",")))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("extra columns %s", strings.Join(e.Extra, ",")))
	}
	return "invalid hits schema: " + strings.Join(parts, "; ")
}

// IsSchemaError returns true if err is or wraps a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
