package harness

import (
	"github.com/roach88/sectorcount/internal/count"
)

// TraceEvent records one drill step and the gateway's session after it.
type TraceEvent struct {
	Seq      int    `json:"seq"`
	Op       string `json:"op"`
	Slot     int    `json:"slot,omitempty"`
	Product  string `json:"product,omitempty"`
	Input    string `json:"input,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Error    string `json:"error,omitempty"`
	State    string `json:"state"`
	Round    int    `json:"round"`
}

// Result is the outcome of a drill.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Final is the gateway's session at the end of the drill.
	Final count.Session `json:"final"`

	// Adjustments counts stock adjuster invocations.
	Adjustments int `json:"adjustments"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
