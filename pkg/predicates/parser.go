// pkg/predicates/parser.go - lexer and recursive-descent parser for the
// conditional-items predicate grammar.
//
// The grammar understands comparisons (==, !=, <, <=, >, >=), boolean
// connectives (AND, OR, NOT), membership (IN), string operators
// (BEGINSWITH, ENDSWITH, CONTAINS, LIKE), array literals {a, b, c}, and
// CAST(value, "DATE") for date literals.

package predicates

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // == != < <= > >=
	tokLParen // (
	tokRParen // )
	tokLBrace // {
	tokRBrace // }
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch c {
	case '(':
		l.pos++
		return token{tokLParen, "(", start}, nil
	case ')':
		l.pos++
		return token{tokRParen, ")", start}, nil
	case '{':
		l.pos++
		return token{tokLBrace, "{", start}, nil
	case '}':
		l.pos++
		return token{tokRBrace, "}", start}, nil
	case ',':
		l.pos++
		return token{tokComma, ",", start}, nil
	case '"', '\'':
		return l.lexString(c)
	case '=':
		if strings.HasPrefix(l.input[l.pos:], "==") {
			l.pos += 2
			return token{tokOp, "==", start}, nil
		}
		return token{}, fmt.Errorf("unexpected '=' at %d (did you mean '==')", start)
	case '!':
		if strings.HasPrefix(l.input[l.pos:], "!=") {
			l.pos += 2
			return token{tokOp, "!=", start}, nil
		}
		return token{}, fmt.Errorf("unexpected '!' at %d", start)
	case '<', '>':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '=' {
			l.pos += 2
			return token{tokOp, string(c) + "=", start}, nil
		}
		l.pos++
		return token{tokOp, string(c), start}, nil
	}

	if c == '-' || c == '.' || (c >= '0' && c <= '9') {
		return l.lexNumber()
	}
	if isIdentStart(rune(c)) {
		return l.lexIdent()
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", c, start)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			b.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{tokString, b.String(), start}, nil
		}
		b.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string starting at %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			l.pos++
			continue
		}
		break
	}
	return token{tokNumber, l.input[start:l.pos], start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	return token{tokIdent, l.input[start:l.pos], start}, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// AST nodes. Expressions evaluate to bool; values to dynamic types.

type expr interface{ evalBool(facts Facts) bool }

type valueNode interface{ evalValue(facts Facts) interface{} }

type binaryExpr struct {
	op          string // AND, OR
	left, right expr
}

type notExpr struct{ inner expr }

type compareExpr struct {
	op          string // == != < <= > >= IN CONTAINS BEGINSWITH ENDSWITH LIKE
	left, right valueNode
}

type literalNode struct{ value interface{} }

type identNode struct{ name string }

type castNode struct {
	inner valueNode
	to    string
}

type arrayNode struct{ elems []valueNode }

type parser struct {
	lex  lexer
	tok  token
	peek *token
}

// Parse compiles a predicate string. The result is reusable across fact
// maps and safe for concurrent evaluation.
func Parse(input string) (*Predicate, error) {
	p := &parser{lex: lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.tok.text, p.tok.pos)
	}
	return &Predicate{source: input, root: root}, nil
}

func (p *parser) advance() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "OR") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "AND") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (expr, error) {
	if p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, "NOT") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}

	if p.tok.kind == tokLParen {
		// parenthesized boolean subexpression, unless this is a value
		// grouping inside a comparison; comparisons never start with '('
		// in this grammar, so treat it as boolean
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %d", p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	}

	return p.parseComparison()
}

var comparisonWords = map[string]bool{
	"IN": true, "CONTAINS": true, "BEGINSWITH": true, "ENDSWITH": true, "LIKE": true,
}

func (p *parser) parseComparison() (expr, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	var op string
	switch {
	case p.tok.kind == tokOp:
		op = p.tok.text
	case p.tok.kind == tokIdent && comparisonWords[strings.ToUpper(p.tok.text)]:
		op = strings.ToUpper(p.tok.text)
	default:
		return nil, fmt.Errorf("expected comparison operator at %d, got %q", p.tok.pos, p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	right, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return &compareExpr{op: op, left: left, right: right}, nil
}

func (p *parser) parseValue() (valueNode, error) {
	switch p.tok.kind {
	case tokString:
		v := p.tok.text
		return &literalNode{value: v}, p.advance()
	case tokNumber:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return &literalNode{value: i}, nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", text)
		}
		return &literalNode{value: f}, nil
	case tokLBrace:
		return p.parseArray()
	case tokIdent:
		word := p.tok.text
		switch strings.ToUpper(word) {
		case "TRUE", "YES":
			return &literalNode{value: true}, p.advance()
		case "FALSE", "NO":
			return &literalNode{value: false}, p.advance()
		case "CAST":
			return p.parseCast()
		}
		return &identNode{name: word}, p.advance()
	default:
		return nil, fmt.Errorf("expected value at %d, got %q", p.tok.pos, p.tok.text)
	}
}

func (p *parser) parseCast() (valueNode, error) {
	if err := p.advance(); err != nil { // consume CAST
		return nil, err
	}
	if p.tok.kind != tokLParen {
		return nil, fmt.Errorf("expected '(' after CAST at %d", p.tok.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	inner, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokComma {
		return nil, fmt.Errorf("expected ',' in CAST at %d", p.tok.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokString {
		return nil, fmt.Errorf("expected cast type string at %d", p.tok.pos)
	}
	to := strings.ToUpper(p.tok.text)
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokRParen {
		return nil, fmt.Errorf("expected ')' closing CAST at %d", p.tok.pos)
	}
	return &castNode{inner: inner, to: to}, p.advance()
}

func (p *parser) parseArray() (valueNode, error) {
	if err := p.advance(); err != nil { // consume '{'
		return nil, err
	}
	var elems []valueNode
	for p.tok.kind != tokRBrace {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		} else if p.tok.kind != tokRBrace {
			return nil, fmt.Errorf("expected ',' or '}' at %d", p.tok.pos)
		}
	}
	return &arrayNode{elems: elems}, p.advance()
}
