package fields

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrUnexpectedToken = errors.New("unexpected token")
	ErrUnterminatedRef = errors.New("unterminated field reference")
	ErrUnbalancedParen = errors.New("unbalanced parenthesis")
	ErrEmptyFormula    = errors.New("empty formula")
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokRef
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// EvaluateFormula evaluates an arithmetic expression over field references.
// References are written {fieldId}; missing, empty and non-numeric values
// count as 0. Division by zero and malformed formulas also yield 0, so
// evaluation never fails. Use CheckFormula to reject malformed input early.
func EvaluateFormula(formula string, values map[string]string) float64 {
	v, err := evaluate(formula, func(ref string) float64 {
		n, _ := ParseNumber(values[ref])
		return n
	})
	if err != nil {
		return 0
	}
	return v
}

// CheckFormula reports the first syntax error in formula.
func CheckFormula(formula string) error {
	_, err := evaluate(formula, func(string) float64 { return 1 })
	return err
}

// FormulaRefs returns the field ids referenced by formula, in order of appearance.
func FormulaRefs(formula string) ([]string, error) {
	tokens, err := tokenize(formula)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, t := range tokens {
		if t.kind == tokRef {
			refs = append(refs, t.text)
		}
	}
	return refs, nil
}

// FormatNumber renders a calculated value the way it is stored on the field.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseNumber parses a numeric field value, tolerating currency symbols and
// thousands separators.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func evaluate(formula string, lookup func(string) float64) (float64, error) {
	tokens, err := tokenize(formula)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, ErrEmptyFormula
	}
	p := &parser{tokens: tokens, lookup: lookup}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos < len(p.tokens) {
		return 0, fmt.Errorf("%w %q at position %d", ErrUnexpectedToken, p.tokens[p.pos].text, p.pos)
	}
	return v, nil
}

func tokenize(formula string) ([]token, error) {
	var tokens []token
	rs := []rune(formula)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '{':
			end := i + 1
			for end < len(rs) && rs[end] != '}' {
				end++
			}
			if end >= len(rs) {
				return nil, ErrUnterminatedRef
			}
			ref := strings.TrimSpace(string(rs[i+1 : end]))
			if ref == "" {
				return nil, fmt.Errorf("%w: empty field reference", ErrUnexpectedToken)
			}
			tokens = append(tokens, token{kind: tokRef, text: ref})
			i = end + 1
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			text := string(rs[start:i])
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w %q", ErrUnexpectedToken, text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, num: n})
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokOp, text: string(r)})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")"})
			i++
		default:
			return nil, fmt.Errorf("%w %q", ErrUnexpectedToken, string(r))
		}
	}
	return tokens, nil
}

// parser is a recursive-descent evaluator:
//
//	expr   = term { ("+" | "-") term }
//	term   = factor { ("*" | "/") factor }
//	factor = ("+" | "-") factor | "(" expr ")" | number | ref
type parser struct {
	tokens []token
	pos    int
	lookup func(string) float64
}

func (p *parser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.tokens[p.pos].text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) term() (float64, error) {
	left, err := p.factor()
	if err != nil {
		return 0, err
	}
	for {
		op, ok := p.peekOp("*", "/")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return 0, err
		}
		if op == "*" {
			left *= right
		} else if right == 0 {
			left = 0
		} else {
			left /= right
		}
	}
}

func (p *parser) factor() (float64, error) {
	if p.pos >= len(p.tokens) {
		return 0, fmt.Errorf("%w: unexpected end of formula", ErrUnexpectedToken)
	}
	t := p.tokens[p.pos]
	switch t.kind {
	case tokOp:
		if t.text != "-" && t.text != "+" {
			return 0, fmt.Errorf("%w %q at position %d", ErrUnexpectedToken, t.text, p.pos)
		}
		p.pos++
		v, err := p.factor()
		if err != nil {
			return 0, err
		}
		if t.text == "-" {
			return -v, nil
		}
		return v, nil
	case tokLParen:
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokRParen {
			return 0, ErrUnbalancedParen
		}
		p.pos++
		return v, nil
	case tokNumber:
		p.pos++
		return t.num, nil
	case tokRef:
		p.pos++
		return p.lookup(t.text), nil
	default:
		return 0, fmt.Errorf("%w %q at position %d", ErrUnexpectedToken, t.text, p.pos)
	}
}
