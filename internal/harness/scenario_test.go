package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One counter opens its slot"
session:
  id: S1
  sector_id: A-12
  operators: [ana, ben]
  products:
    - id: P1
      name: Água mineral 500ml
      system_stock: 1
flow:
  - op: open
    slot: 1
assertions:
  - type: final_state
    state: IN_PROGRESS
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, "S1", scenario.Session.ID)
	assert.Equal(t, [2]string{"ana", "ben"}, scenario.Session.Operators)
	require.Len(t, scenario.Session.Products, 1)
	assert.Equal(t, int64(1), scenario.Session.Products[0].SystemStock)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, OpOpen, scenario.Flow[0].Op)
	assert.Equal(t, 1, scenario.Flow[0].Slot)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Duration(t *testing.T) {
	const advance = `
name: advance
description: "Clock moves past the retention window"
session:
  id: S1
  sector_id: A-12
  products:
    - id: P1
      name: Água
flow:
  - op: advance
    after: 24h1m
assertions:
  - type: final_state
    state: PENDING
`
	scenario, err := ParseScenario([]byte(advance))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour+time.Minute, scenario.Flow[0].After)
}

func TestValidateScenario(t *testing.T) {
	valid := func() *Scenario {
		s, err := ParseScenario([]byte(minimalScenario))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		mutate func(s *Scenario)
		want   string
	}{
		{"missing name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"missing description", func(s *Scenario) { s.Description = "" }, "description is required"},
		{"missing session id", func(s *Scenario) { s.Session.ID = "" }, "session.id is required"},
		{"no products", func(s *Scenario) { s.Session.Products = nil }, "session.products"},
		{"no flow", func(s *Scenario) { s.Flow = nil }, "flow list is required"},
		{"no assertions", func(s *Scenario) { s.Assertions = nil }, "assertions list is required"},
		{"missing op", func(s *Scenario) { s.Flow[0].Op = "" }, "op is required"},
		{"unknown op", func(s *Scenario) { s.Flow[0].Op = "scan" }, `unknown op "scan"`},
		{"bad slot", func(s *Scenario) { s.Flow[0].Slot = 3 }, "slot 1 or 2 is required"},
		{"enter without product", func(s *Scenario) { s.Flow[0] = Step{Op: OpEnter, Slot: 1} }, "product is required"},
		{"edit without line", func(s *Scenario) { s.Flow[0] = Step{Op: OpEdit, Slot: 1, Product: "P1", Input: "1"} }, "product and line are required"},
		{"edit without input", func(s *Scenario) { s.Flow[0] = Step{Op: OpEdit, Slot: 1, Product: "P1", Line: 1} }, "input is required"},
		{"fail without count", func(s *Scenario) { s.Flow[0] = Step{Op: OpFailGateway} }, "count must be positive"},
		{"advance without after", func(s *Scenario) { s.Flow[0] = Step{Op: OpAdvance} }, "after must be positive"},
		{"assertion without type", func(s *Scenario) { s.Assertions[0].Type = "" }, "type is required"},
		{"unknown assertion", func(s *Scenario) { s.Assertions[0].Type = "trace_order" }, "unknown assertion type"},
		{"final state without state", func(s *Scenario) { s.Assertions[0].State = "" }, "state is required"},
		{"entries without product", func(s *Scenario) { s.Assertions[0] = Assertion{Type: AssertServerEntries} }, "product is required"},
		{"trace count without op", func(s *Scenario) { s.Assertions[0] = Assertion{Type: AssertTraceCount} }, "op is required"},
		{"negative count", func(s *Scenario) { s.Assertions[0] = Assertion{Type: AssertTraceCount, Op: OpOpen, Count: -1} }, "count must be non-negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := validateScenario(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDrillFilesParse(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, filepath.Base(path), scenario.Name+".yaml", "scenario name must match its file")
		})
	}
}
