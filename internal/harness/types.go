package harness

import (
	"fmt"
	"strings"
)

// Delivery is one hit as the collector received it.
type Delivery struct {
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

// HitType returns the delivery's t parameter.
func (d Delivery) HitType() string {
	return d.Params["t"]
}

// TraceEvent records the effect of one step.
type TraceEvent struct {
	Seq       int      `json:"seq"`
	Step      string   `json:"step"`
	Delivered []string `json:"delivered"` // hit types delivered during the step
	Queued    int      `json:"queued"`
}

// String renders the event as one golden-file line.
func (e TraceEvent) String() string {
	delivered := "-"
	if len(e.Delivered) > 0 {
		delivered = strings.Join(e.Delivered, ",")
	}
	return fmt.Sprintf("%02d %-24s delivered=%s queued=%d", e.Seq, e.Step, delivered, e.Queued)
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step.
	Trace []TraceEvent `json:"trace"`

	// Deliveries are all hits the collector received, in order.
	Deliveries []Delivery `json:"deliveries"`

	// Queued is the durable queue size after the last step.
	Queued int `json:"queued"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Deliveries: []Delivery{},
		Errors:     []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceText renders the trace, one line per step.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
