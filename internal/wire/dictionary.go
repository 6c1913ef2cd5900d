package wire

import (
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed dictionary.cue
var dictionarySource string

// Formatter transforms a raw field value before it is written to the wire.
type Formatter func(raw string) string

// Field describes how one semantic field maps onto the wire.
type Field struct {
	Param      string    // wire parameter name
	Default    string    // value omitted from the output when matched
	HasDefault bool      // false means every value is emitted
	Formatter  Formatter // optional
}

// Dictionary maps semantic field names to their wire description.
// Shared read-only after construction.
type Dictionary map[string]Field

// BoolFormatter renders "true" (any case) as "1" and everything else as "0".
func BoolFormatter(raw string) string {
	if strings.EqualFold(raw, "true") {
		return "1"
	}
	return "0"
}

// FloatFormatter renders a number with at most two decimal places,
// dropping trailing zeros. Unparseable input formats as "0".
func FloatFormatter(raw string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		s = "0"
	}
	return s
}

var formatters = map[string]Formatter{
	"bool":  BoolFormatter,
	"float": FloatFormatter,
}

var (
	defaultOnce sync.Once
	defaultDict Dictionary
	defaultErr  error
)

// LoadDictionary returns the built-in field dictionary. The result is
// cached; callers must not mutate it.
func LoadDictionary() (Dictionary, error) {
	defaultOnce.Do(func() {
		defaultDict, defaultErr = ParseDictionary(dictionarySource)
	})
	return defaultDict, defaultErr
}

// MustLoadDictionary is LoadDictionary for composition roots that cannot
// continue without a dictionary.
func MustLoadDictionary() Dictionary {
	d, err := LoadDictionary()
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDictionary compiles a CUE document with a top-level "fields" struct
// into a Dictionary. Each field needs a non-empty "param" and may carry a
// "default" and a "format" of "bool" or "float".
func ParseDictionary(src string) (Dictionary, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("dictionary.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile dictionary: %w", err)
	}
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, fmt.Errorf("dictionary has no fields")
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}

	dict := make(Dictionary)
	for iter.Next() {
		name := iter.Label()
		fv := iter.Value()

		var field Field
		attrs, err := fv.Fields()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		for attrs.Next() {
			str, err := attrs.Value().String()
			if err != nil {
				return nil, fmt.Errorf("field %s: %s: %w", name, attrs.Label(), err)
			}
			switch attrs.Label() {
			case "param":
				field.Param = str
			case "default":
				field.Default = str
				field.HasDefault = true
			case "format":
				f, ok := formatters[str]
				if !ok {
					return nil, fmt.Errorf("field %s: unknown format %q", name, str)
				}
				field.Formatter = f
			}
		}
		if field.Param == "" {
			return nil, fmt.Errorf("field %s: missing param", name)
		}

		dict[name] = field
	}
	return dict, nil
}
