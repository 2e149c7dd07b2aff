package formula

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sectorcount/internal/count"
)

func TestEvaluate_Valid(t *testing.T) {
	tests := []struct {
		expr string
		want int64
	}{
		{"3x112", 336},
		{"3X112", 336},
		{"10+15", 25},
		{"25*2", 50},
		{"24*2", 48},
		{"50", 50},
		{" 12 + 3 ", 15},
		{"(10+15)*2", 50},
		{"7/2", 3},
		{"10/3*3", 10},
		{"2.5*4", 10},
		{"-3+5", 2},
		{"((4))", 4},
		{"100-100", 0},
		{"12 x 12 + 6", 150},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Rejects(t *testing.T) {
	tests := []struct {
		expr   string
		reason Reason
	}{
		{"", ReasonEmpty},
		{"   ", ReasonEmpty},
		{"2**3", ReasonInvalidGrammar},
		{"abc", ReasonInvalidGrammar},
		{"alert(1)", ReasonInvalidGrammar},
		{"3;rm", ReasonInvalidGrammar},
		{"(1+2", ReasonInvalidGrammar},
		{"1+2)", ReasonInvalidGrammar},
		{"1..2", ReasonInvalidGrammar},
		{"+", ReasonInvalidGrammar},
		{"1/0", ReasonNonNumeric},
		{"99999999999999999999*10", ReasonNonNumeric},
		{"2-3", ReasonNegative},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Evaluate(tt.expr)
			require.Error(t, err)

			var fe *Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.reason, fe.Reason)
			assert.True(t, count.IsValidation(err), "formula errors are validation errors")
		})
	}
}

func TestEvaluate_DepthLimit(t *testing.T) {
	expr := ""
	for i := 0; i < MaxDepth+2; i++ {
		expr += "("
	}
	expr += "1"
	for i := 0; i < MaxDepth+2; i++ {
		expr += ")"
	}

	_, err := Evaluate(expr)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ReasonInvalidGrammar, fe.Reason)
	assert.Contains(t, fe.Message, "nested too deeply")
}

func TestEvaluate_LengthLimit(t *testing.T) {
	expr := "1"
	for len(expr) <= MaxLength {
		expr += "+1"
	}
	_, err := Evaluate(expr)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ReasonInvalidGrammar, fe.Reason)
}

func TestResolve_KeepsFormulaOnlyWhenItAddsInformation(t *testing.T) {
	r, err := Resolve("50")
	require.NoError(t, err)
	assert.Equal(t, Result{Quantity: 50}, r)

	r, err = Resolve(" 25*2 ")
	require.NoError(t, err)
	assert.Equal(t, Result{Quantity: 50, Formula: "25*2"}, r)
}

func TestError_MessageCarriesPosition(t *testing.T) {
	_, err := Evaluate("12+a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `formula "12+a": invalid-grammar`)
	assert.Contains(t, err.Error(), "offset 3")
}
