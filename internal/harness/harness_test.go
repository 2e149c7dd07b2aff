package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/gateway"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func oneProductSession(id string) gateway.CreateSessionRequest {
	return gateway.CreateSessionRequest{
		ID:        id,
		SectorID:  "A-12",
		Operators: [2]string{"ana", "ben"},
		Products:  []count.Product{{ID: "P1", Name: "Água mineral 500ml", Code: "AG500", SystemStock: 3}},
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "Both counters open",
		Session:     oneProductSession("S1"),
		Flow: []Step{
			{Op: OpOpen, Slot: 1},
			{Op: OpOpen, Slot: 2},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, State: "IN_PROGRESS"},
			{Type: AssertTraceCount, Op: OpOpen, Count: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "IN_PROGRESS", result.Trace[0].State)
	assert.Equal(t, "ana", result.Final.Slot(count.Slot1).Operator)
	assert.Equal(t, count.SlotInProgress, result.Final.Slot(count.Slot2).State)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "unexpected",
		Description: "Submitting an empty slot is refused",
		Session:     oneProductSession("S1"),
		Flow: []Step{
			{Op: OpOpen, Slot: 1},
			{Op: OpSubmit, Slot: 1},
		},
		Assertions: []Assertion{{Type: AssertFinalState, State: "IN_PROGRESS"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[1] submit: unexpected error")
	assert.Equal(t, "CONFLICT", result.Trace[1].Error)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "An expected error that does not happen",
		Session:     oneProductSession("S1"),
		Flow: []Step{
			{Op: OpOpen, Slot: 1, Expect: &Expect{Error: "CONFLICT", State: "VERIFIED"}},
		},
		Assertions: []Assertion{{Type: AssertFinalState, State: "IN_PROGRESS"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `expected error CONFLICT, got ""`)
	assert.Contains(t, result.Errors[1], "expected state VERIFIED, got IN_PROGRESS")
}

func TestRun_InvalidFormula(t *testing.T) {
	scenario := &Scenario{
		Name:        "formula",
		Description: "Malformed and negative formulas never reach the journal",
		Session:     oneProductSession("S1"),
		Flow: []Step{
			{Op: OpOpen, Slot: 1},
			{Op: OpEnter, Slot: 1, Product: "P1", Input: "5*", Expect: &Expect{Error: "VALIDATION"}},
			{Op: OpEnter, Slot: 1, Product: "P1", Input: "2-5", Expect: &Expect{Error: "VALIDATION"}},
			{Op: OpEnter, Slot: 1, Product: "chocolate", Input: "1", Expect: &Expect{Error: "VALIDATION"}},
		},
		Assertions: []Assertion{
			{Type: AssertServerEntries, Product: "P1", Count: 0},
			{Type: AssertTraceCount, Op: OpEnter, Error: "VALIDATION", Count: 3},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_DuplicateSessionProduct(t *testing.T) {
	session := oneProductSession("S1")
	session.Products = append(session.Products, session.Products[0])

	_, err := Run(&Scenario{
		Name:        "duplicate",
		Description: "Setup fails",
		Session:     session,
		Flow:        []Step{{Op: OpOpen, Slot: 1}},
		Assertions:  []Assertion{{Type: AssertFinalState, State: "PENDING"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create session")
}

// TestDrills runs every drill in testdata/scenarios and compares its
// trace with testdata/golden.
func TestDrills(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}
