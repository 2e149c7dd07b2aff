package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sectorcount/internal/gateway"
)

// Scenario is a count drill.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// MaxRounds caps recount rounds. Zero uses the default.
	MaxRounds int `yaml:"max_rounds,omitempty"`

	// Session is created on the gateway before the flow starts.
	Session gateway.CreateSessionRequest `yaml:"session"`

	// Flow is played in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final gateway state and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one drill operation.
type Step struct {
	Op      string `yaml:"op"`
	Slot    int    `yaml:"slot,omitempty"`
	Product string `yaml:"product,omitempty"`
	Input   string `yaml:"input,omitempty"`

	// Line names the target of edit and delete: the slot's entry of
	// Product in the current round with this line number.
	Line int `yaml:"line,omitempty"`

	// Force is the supervisor override of finalize.
	Force bool `yaml:"force,omitempty"`

	// Count is the number of failing gateway requests for fail_gateway.
	Count int `yaml:"count,omitempty"`

	// After is the clock advance for advance.
	After time.Duration `yaml:"after,omitempty"`

	// Expect validates the step. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the outcome of a step.
type Expect struct {
	// Error is the expected error kind, e.g. "CONFLICT".
	Error string `yaml:"error,omitempty"`

	// State is the expected gateway state after the step.
	State string `yaml:"state,omitempty"`
}

// Assertion validates the drill after the flow.
type Assertion struct {
	// Type is one of final_state, stock_adjusted, server_entries, trace_count.
	Type string `yaml:"type"`

	// State, Round and Escalated are checked by final_state; Round also
	// filters server_entries.
	State     string `yaml:"state,omitempty"`
	Round     *int   `yaml:"round,omitempty"`
	Escalated *bool  `yaml:"escalated,omitempty"`

	// Times is the expected adjuster invocation count (stock_adjusted).
	Times int `yaml:"times,omitempty"`

	// Product and Slot select server entries.
	Product string `yaml:"product,omitempty"`
	Slot    int    `yaml:"slot,omitempty"`

	// Op and Error select trace events (trace_count).
	Op    string `yaml:"op,omitempty"`
	Error string `yaml:"error,omitempty"`

	// Count is the expected number of matches (server_entries, trace_count).
	Count int `yaml:"count"`
}

// Step operations.
const (
	OpOpen        = "open"
	OpEnter       = "enter"
	OpEdit        = "edit"
	OpDelete      = "delete"
	OpSync        = "sync"
	OpSubmit      = "submit"
	OpRecount     = "recount"
	OpFinalize    = "finalize"
	OpCancel      = "cancel"
	OpFailGateway = "fail_gateway"
	OpAdvance     = "advance"
	OpRestart     = "restart"
)

// Assertion type constants.
const (
	AssertFinalState    = "final_state"
	AssertStockAdjusted = "stock_adjusted"
	AssertServerEntries = "server_entries"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields so "assertion:" vs "assertions:" typos surface
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Session.ID == "" {
		return fmt.Errorf("session.id is required")
	}
	if len(s.Session.Products) == 0 {
		return fmt.Errorf("session.products list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	needsSlot := func() error {
		if st.Slot != 1 && st.Slot != 2 {
			return fmt.Errorf("flow[%d]: slot 1 or 2 is required for %s", index, st.Op)
		}
		return nil
	}

	switch st.Op {
	case OpOpen, OpSync, OpSubmit, OpRecount, OpFinalize, OpCancel, OpRestart:
		return needsSlot()
	case OpEnter:
		if err := needsSlot(); err != nil {
			return err
		}
		if st.Product == "" {
			return fmt.Errorf("flow[%d]: product is required for enter", index)
		}
	case OpEdit, OpDelete:
		if err := needsSlot(); err != nil {
			return err
		}
		if st.Product == "" || st.Line < 1 {
			return fmt.Errorf("flow[%d]: product and line are required for %s", index, st.Op)
		}
		if st.Op == OpEdit && st.Input == "" {
			return fmt.Errorf("flow[%d]: input is required for edit", index)
		}
	case OpFailGateway:
		if st.Count < 1 {
			return fmt.Errorf("flow[%d]: count must be positive for fail_gateway", index)
		}
	case OpAdvance:
		if st.After <= 0 {
			return fmt.Errorf("flow[%d]: after must be positive for advance", index)
		}
	case "":
		return fmt.Errorf("flow[%d]: op is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFinalState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
	case AssertStockAdjusted:
		if a.Times < 0 {
			return fmt.Errorf("assertions[%d]: times must be non-negative for stock_adjusted", index)
		}
	case AssertServerEntries:
		if a.Product == "" {
			return fmt.Errorf("assertions[%d]: product is required for server_entries", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
