// Package formula evaluates the arithmetic an operator types instead of a
// plain quantity, such as "3x112" or "(10+15)*2".
//
// The grammar is restricted to decimal literals, + - * / x and parentheses:
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/" | "x") unary }
//	unary  = [ "+" | "-" ] unary | factor
//	factor = number | "(" expr ")"
//
// Arithmetic is exact (shopspring/decimal); the result is floored to an
// integer quantity. Nothing outside this grammar is ever executed.
package formula

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// MaxLength bounds the accepted input length.
	MaxLength = 256

	// MaxDepth bounds parenthesis and unary nesting.
	MaxDepth = 32
)

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// Result is a resolved quantity plus the formula text to keep for audit.
// Formula is empty when the input was a plain integer.
type Result struct {
	Quantity int64
	Formula  string
}

// Evaluate parses and evaluates expr, returning the floored result.
func Evaluate(expr string) (int64, error) {
	r, err := Resolve(expr)
	if err != nil {
		return 0, err
	}
	return r.Quantity, nil
}

// Resolve evaluates input and decides whether its text is worth keeping
// as the entry's formula.
func Resolve(input string) (Result, error) {
	src := strings.Join(strings.Fields(input), "")
	if src == "" {
		return Result{}, newError(ReasonEmpty, input, -1, "empty expression")
	}
	if len(src) > MaxLength {
		return Result{}, newError(ReasonInvalidGrammar, input, MaxLength, "expression too long")
	}

	toks, err := tokenize(src)
	if err != nil {
		err.Input = input
		return Result{}, err
	}

	p := &parser{toks: toks, input: input}
	v, perr := p.parseExpr(0)
	if perr != nil {
		return Result{}, perr
	}
	if !p.done() {
		t := p.peek()
		return Result{}, newError(ReasonInvalidGrammar, input, t.pos, "unexpected "+t.String())
	}

	// Round away representation noise (10/3*3) before flooring.
	q := v.Round(9).Floor()
	if q.IsNegative() {
		return Result{}, newError(ReasonNegative, input, -1, "quantity must not be negative, got "+q.String())
	}
	if q.GreaterThan(maxQuantity) {
		return Result{}, newError(ReasonNonNumeric, input, -1, "result out of range")
	}

	res := Result{Quantity: q.IntPart()}
	if src != strconv.FormatInt(res.Quantity, 10) {
		res.Formula = strings.TrimSpace(input)
	}
	return res, nil
}

type parser struct {
	toks  []token
	pos   int
	input string
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: tokEnd, pos: len(p.input)}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if !p.done() {
		p.pos++
	}
	return t
}

func (p *parser) parseExpr(depth int) (decimal.Decimal, *Error) {
	left, err := p.parseTerm(depth)
	if err != nil {
		return decimal.Zero, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.op != '+' && t.op != '-') {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return decimal.Zero, err
		}
		if t.op == '+' {
			left = left.Add(right)
		} else {
			left = left.Sub(right)
		}
	}
}

func (p *parser) parseTerm(depth int) (decimal.Decimal, *Error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return decimal.Zero, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.op != '*' && t.op != '/') {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return decimal.Zero, err
		}
		if t.op == '*' {
			left = left.Mul(right)
			continue
		}
		if right.IsZero() {
			return decimal.Zero, newError(ReasonNonNumeric, p.input, t.pos, "division by zero")
		}
		left = left.Div(right)
	}
}

func (p *parser) parseUnary(depth int) (decimal.Decimal, *Error) {
	if depth > MaxDepth {
		return decimal.Zero, newError(ReasonInvalidGrammar, p.input, p.peek().pos, "expression nested too deeply")
	}
	t := p.peek()
	if t.kind == tokOp && (t.op == '+' || t.op == '-') {
		p.next()
		v, err := p.parseUnary(depth + 1)
		if err != nil {
			return decimal.Zero, err
		}
		if t.op == '-' {
			v = v.Neg()
		}
		return v, nil
	}
	return p.parseFactor(depth)
}

func (p *parser) parseFactor(depth int) (decimal.Decimal, *Error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.num, nil
	case tokLParen:
		v, err := p.parseExpr(depth + 1)
		if err != nil {
			return decimal.Zero, err
		}
		if c := p.next(); c.kind != tokRParen {
			return decimal.Zero, newError(ReasonInvalidGrammar, p.input, c.pos, "expected ')', got "+c.String())
		}
		return v, nil
	default:
		return decimal.Zero, newError(ReasonInvalidGrammar, p.input, t.pos, "expected number or '(', got "+t.String())
	}
}
