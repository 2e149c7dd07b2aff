package formula

import (
	"github.com/shopspring/decimal"
)

type tokenKind int

const (
	tokEnd tokenKind = iota
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	op   byte
	num  decimal.Decimal
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEnd:
		return "end of expression"
	case tokNumber:
		return "number " + t.text
	default:
		return "'" + t.text + "'"
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// tokenize splits whitespace-free src into tokens. The letters x and X are
// multiplication so numeric keypads can type "3x112".
func tokenize(src string) ([]token, *Error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case isDigit(c) || c == '.':
			start := i
			dots := 0
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				if src[i] == '.' {
					dots++
				}
				i++
			}
			text := src[start:i]
			if dots > 1 || text == "." {
				return nil, newError(ReasonInvalidGrammar, src, start, "malformed number "+text)
			}
			n, err := decimal.NewFromString(text)
			if err != nil {
				return nil, newError(ReasonInvalidGrammar, src, start, "malformed number "+text)
			}
			toks = append(toks, token{kind: tokNumber, num: n, text: text, pos: start})
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, op: c, text: string(c), pos: i})
			i++
		case c == 'x' || c == 'X':
			toks = append(toks, token{kind: tokOp, op: '*', text: string(c), pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		default:
			return nil, newError(ReasonInvalidGrammar, src, i, "character "+quoteByte(src, i)+" is not allowed")
		}
	}
	return toks, nil
}

func quoteByte(s string, i int) string {
	r := []rune(s[i:])
	if len(r) == 0 {
		return "''"
	}
	return "'" + string(r[0]) + "'"
}
