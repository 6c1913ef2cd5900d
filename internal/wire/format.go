package wire

import (
	"log/slog"
	"strconv"
	"strings"
)

// RawPrefix marks a hit key that is copied to the wire verbatim
// (minus the prefix), bypassing the dictionary.
const RawPrefix = "&"

// SlotSeparator splits a slotted key such as "customDimension*3".
const SlotSeparator = "*"

// Format maps a semantic hit onto wire parameters.
//
// Unknown fields are dropped. A slotted key selects Param+slot; a slot
// that is not a non-negative integer drops the field with a warning.
// Values equal to the field default are omitted. Format never fails and
// never mutates hit.
func Format(dict Dictionary, hit map[string]string) map[string]string {
	params := make(map[string]string, len(hit))
	for key, value := range hit {
		if strings.HasPrefix(key, RawPrefix) {
			if param := key[len(RawPrefix):]; param != "" {
				params[param] = value
			}
			continue
		}

		name, slot, slotted := strings.Cut(key, SlotSeparator)
		field, ok := dict[name]
		if !ok {
			continue
		}

		param := field.Param
		if slotted {
			n, err := strconv.Atoi(slot)
			if err != nil || n < 0 {
				slog.Warn("unable to parse slot for wire parameter", "key", key, "param", field.Param)
				continue
			}
			param += strconv.Itoa(n)
		}

		if field.Formatter != nil {
			value = field.Formatter(value)
		}
		if field.HasDefault && value == field.Default {
			continue
		}
		params[param] = value
	}
	return params
}
