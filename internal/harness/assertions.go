package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertDeliveredCount:
		return assertDeliveredCount(result, a)
	case AssertDeliveredContains:
		return assertDeliveredContains(result, a)
	case AssertDeliveredOrder:
		return assertDeliveredOrder(result, a)
	case AssertQueued:
		return assertQueued(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertDeliveredCount(result *Result, a Assertion) error {
	if got := len(result.Deliveries); got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d hits delivered", a.Count),
			Actual:   fmt.Sprintf("%d hits delivered", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertDeliveredContains passes if any delivered hit carries every
// listed parameter with the listed value.
func assertDeliveredContains(result *Result, a Assertion) error {
	for _, d := range result.Deliveries {
		if matchParams(d.Params, a.Params) {
			return nil
		}
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("a hit with %s", formatParams(a.Params)),
		Actual:   fmt.Sprintf("none among %d delivered", len(result.Deliveries)),
		Trace:    result.Trace,
	}
}

func assertDeliveredOrder(result *Result, a Assertion) error {
	got := make([]string, 0, len(result.Deliveries))
	for _, d := range result.Deliveries {
		got = append(got, d.HitType())
	}
	if !slices.Equal(got, a.HitTypes) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%v", a.HitTypes),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertQueued(result *Result, a Assertion) error {
	if result.Queued != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d hits queued", a.Count),
			Actual:   fmt.Sprintf("%d hits queued", result.Queued),
			Trace:    result.Trace,
		}
	}
	return nil
}

// matchParams reports whether actual has every key of expected with an
// equal value. An empty expected value requires the key to be absent.
func matchParams(actual, expected map[string]string) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if want == "" {
			if ok {
				return false
			}
			continue
		}
		if !ok || got != want {
			return false
		}
	}
	return true
}

func formatParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
