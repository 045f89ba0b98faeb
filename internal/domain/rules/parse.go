package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rune-labs/rune/internal/domain/fact"
)

// Parse reads rule-source text and returns the rules and ground facts it
// contains. A clause without a body must be ground and becomes a fact;
// a clause with a body becomes a rule. Lines starting with `#` are
// comments.
//
//	allowed_path("/tmp").
//	can_read(P) :- allowed_path(Prefix), starts_with(P, Prefix).
//	total(U, N) :- N = sum(X : call(U, X)).
func Parse(src string) ([]Rule, []fact.Fact, error) {
	p := &parser{lex: newLexer(src)}
	var ruleList []Rule
	var factList []fact.Fact
	for {
		if err := p.advance(); err != nil {
			return nil, nil, err
		}
		if p.tok.kind == tokEOF {
			return ruleList, factList, nil
		}
		head, body, err := p.clause()
		if err != nil {
			return nil, nil, err
		}
		if body == nil {
			if !head.IsGround() {
				return nil, nil, p.errf("clause %s has no body but is not ground", head.Predicate)
			}
			factList = append(factList, head.Fact())
			continue
		}
		ruleList = append(ruleList, Rule{Head: head, Body: body})
	}
}

// ParseRuleSet parses rule source and builds a validated RuleSet from
// its rules. Ground clauses are returned alongside for seeding a store.
func ParseRuleSet(src string) (*RuleSet, []fact.Fact, error) {
	ruleList, factList, err := Parse(src)
	if err != nil {
		return nil, nil, err
	}
	rs, err := NewRuleSet(ruleList)
	if err != nil {
		return nil, nil, err
	}
	return rs, factList, nil
}

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokVariable
	tokAnonymous
	tokString
	tokInt
	tokPunct // ( ) [ ] , . :
	tokOp    // = != < <= > >= :-
	tokNot
	tokTrue
	tokFalse
)

type token struct {
	kind tokenKind
	text string
	num  int64
	line int
	col  int
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer { return &lexer{src: src, line: 1, col: 1} }

func (l *lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) bump() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		c := l.peekByte()
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			l.bump()
			continue
		}
		if c == '#' {
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.bump()
			}
			continue
		}
		break
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line, col: l.col}, nil
	}

	t := token{line: l.line, col: l.col}
	c := l.peekByte()
	switch {
	case c == '"':
		l.bump()
		var b strings.Builder
		for {
			if l.pos >= len(l.src) {
				return t, &ParseError{Line: t.line, Column: t.col, Detail: "unterminated string"}
			}
			ch := l.bump()
			if ch == '"' {
				break
			}
			if ch == '\\' {
				if l.pos >= len(l.src) {
					return t, &ParseError{Line: t.line, Column: t.col, Detail: "unterminated escape"}
				}
				esc := l.bump()
				switch esc {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '"', '\\':
					b.WriteByte(esc)
				default:
					return t, &ParseError{Line: t.line, Column: t.col,
						Detail: fmt.Sprintf("unknown escape \\%c", esc)}
				}
				continue
			}
			b.WriteByte(ch)
		}
		t.kind = tokString
		t.text = b.String()
		return t, nil

	case c == '-' || c >= '0' && c <= '9':
		start := l.pos
		if c == '-' {
			l.bump()
			if d := l.peekByte(); d < '0' || d > '9' {
				return t, &ParseError{Line: t.line, Column: t.col, Detail: "expected digit after '-'"}
			}
		}
		for l.pos < len(l.src) {
			d := l.peekByte()
			if d < '0' || d > '9' {
				break
			}
			l.bump()
		}
		n, err := strconv.ParseInt(l.src[start:l.pos], 10, 64)
		if err != nil {
			return t, &ParseError{Line: t.line, Column: t.col, Detail: "integer out of range"}
		}
		t.kind = tokInt
		t.num = n
		return t, nil

	case isIdentStart(rune(c)):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(rune(l.peekByte())) {
			l.bump()
		}
		word := l.src[start:l.pos]
		switch word {
		case "not":
			t.kind = tokNot
		case "true":
			t.kind = tokTrue
		case "false":
			t.kind = tokFalse
		case "_":
			t.kind = tokAnonymous
		default:
			if word[0] == '_' || unicode.IsUpper(rune(word[0])) {
				t.kind = tokVariable
			} else {
				t.kind = tokIdent
			}
			t.text = word
		}
		return t, nil

	case c == ':':
		l.bump()
		if l.peekByte() == '-' {
			l.bump()
			t.kind = tokOp
			t.text = ":-"
			return t, nil
		}
		t.kind = tokPunct
		t.text = ":"
		return t, nil

	case c == '!':
		l.bump()
		if l.peekByte() != '=' {
			return t, &ParseError{Line: t.line, Column: t.col, Detail: "expected '=' after '!'"}
		}
		l.bump()
		t.kind = tokOp
		t.text = "!="
		return t, nil

	case c == '<' || c == '>':
		l.bump()
		op := string(c)
		if l.peekByte() == '=' {
			l.bump()
			op += "="
		}
		t.kind = tokOp
		t.text = op
		return t, nil

	case c == '=':
		l.bump()
		t.kind = tokOp
		t.text = "="
		return t, nil

	case c == '(' || c == ')' || c == '[' || c == ']' || c == ',' || c == '.':
		l.bump()
		t.kind = tokPunct
		t.text = string(c)
		return t, nil
	}
	return t, &ParseError{Line: t.line, Column: t.col, Detail: fmt.Sprintf("unexpected character %q", c)}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) errf(format string, args ...any) error {
	return &ParseError{Line: p.tok.line, Column: p.tok.col, Detail: fmt.Sprintf(format, args...)}
}

func (p *parser) expectPunct(s string) error {
	if p.tok.kind != tokPunct || p.tok.text != s {
		return p.errf("expected %q", s)
	}
	return p.advance()
}

// clause parses `atom.` or `atom :- body.`. The current token is the
// first token of the clause; on return the closing dot is current and
// the caller's next advance consumes it.
func (p *parser) clause() (Atom, []Literal, error) {
	head, err := p.atom()
	if err != nil {
		return Atom{}, nil, err
	}
	if p.tok.kind == tokPunct && p.tok.text == "." {
		return head, nil, nil
	}
	if p.tok.kind != tokOp || p.tok.text != ":-" {
		return Atom{}, nil, p.errf("expected '.' or ':-'")
	}
	if err := p.advance(); err != nil {
		return Atom{}, nil, err
	}
	var body []Literal
	for {
		lit, err := p.literal()
		if err != nil {
			return Atom{}, nil, err
		}
		body = append(body, lit)
		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return Atom{}, nil, err
			}
			continue
		}
		break
	}
	if p.tok.kind != tokPunct || p.tok.text != "." {
		return Atom{}, nil, p.errf("expected '.' at end of rule")
	}
	return head, body, nil
}

// literal parses one body element: a (possibly negated) atom, a named
// built-in, an infix comparison, or an aggregate binding.
func (p *parser) literal() (Literal, error) {
	if p.tok.kind == tokNot {
		if err := p.advance(); err != nil {
			return Literal{}, err
		}
		a, err := p.atom()
		if err != nil {
			return Literal{}, err
		}
		if _, isBuiltin := builtinNames[a.Predicate]; isBuiltin {
			return Literal{}, p.errf("built-in %s cannot be negated", a.Predicate)
		}
		return Negated(a), nil
	}

	if p.tok.kind == tokIdent {
		a, err := p.atom()
		if err != nil {
			return Literal{}, err
		}
		if b, isBuiltin := builtinNames[a.Predicate]; isBuiltin {
			if len(a.Terms) != b.Arity {
				return Literal{}, p.errf("built-in %s takes %d arguments, got %d",
					a.Predicate, b.Arity, len(a.Terms))
			}
			return Builtin(b.Op, a.Terms...), nil
		}
		return Positive(a), nil
	}

	// Comparison or aggregate: starts with a term.
	left, err := p.term()
	if err != nil {
		return Literal{}, err
	}
	if p.tok.kind != tokOp {
		return Literal{}, p.errf("expected comparison operator")
	}
	opText := p.tok.text
	op, ok := comparisonSymbols[opText]
	if !ok {
		return Literal{}, p.errf("unknown operator %q", opText)
	}
	if err := p.advance(); err != nil {
		return Literal{}, err
	}

	// `Result = op(Var : atom)` is an aggregate when the right-hand side
	// is an aggregate operator name applied with the `Var : atom` form.
	if op == OpEq && p.tok.kind == tokIdent {
		if aggOp, isAgg := aggregateNames[p.tok.text]; isAgg {
			if left.Kind != TermVariable {
				return Literal{}, p.errf("aggregate result must be a variable")
			}
			return p.aggregate(left.Name, aggOp)
		}
	}

	right, err := p.term()
	if err != nil {
		return Literal{}, err
	}
	return Builtin(op, left, right), nil
}

// aggregate parses `op(Var : atom)` after the operator name has been
// recognized; the current token is the operator identifier.
func (p *parser) aggregate(result string, op AggregateOp) (Literal, error) {
	if err := p.advance(); err != nil {
		return Literal{}, err
	}
	if err := p.expectPunct("("); err != nil {
		return Literal{}, err
	}
	if p.tok.kind != tokVariable {
		return Literal{}, p.errf("expected aggregated variable")
	}
	varName := p.tok.text
	if err := p.advance(); err != nil {
		return Literal{}, err
	}
	if err := p.expectPunct(":"); err != nil {
		return Literal{}, err
	}
	inner, err := p.atom()
	if err != nil {
		return Literal{}, err
	}
	if p.tok.kind != tokPunct || p.tok.text != ")" {
		return Literal{}, p.errf("expected ')' after aggregate body")
	}
	if err := p.advance(); err != nil {
		return Literal{}, err
	}
	return Aggregated(Aggregate{Result: result, Op: op, Var: varName, Body: inner}), nil
}

// atom parses `ident ( term, ... )`. On return the current token is the
// one following the closing parenthesis.
func (p *parser) atom() (Atom, error) {
	if p.tok.kind != tokIdent {
		return Atom{}, p.errf("expected predicate name")
	}
	a := Atom{Predicate: p.tok.text}
	if err := p.advance(); err != nil {
		return Atom{}, err
	}
	if err := p.expectPunct("("); err != nil {
		return Atom{}, err
	}
	if p.tok.kind == tokPunct && p.tok.text == ")" {
		return a, p.advance()
	}
	for {
		t, err := p.term()
		if err != nil {
			return Atom{}, err
		}
		a.Terms = append(a.Terms, t)
		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return Atom{}, err
			}
			continue
		}
		break
	}
	if p.tok.kind != tokPunct || p.tok.text != ")" {
		return Atom{}, p.errf("expected ')' or ','")
	}
	return a, p.advance()
}

// term parses a variable, the anonymous placeholder, or a constant.
func (p *parser) term() (Term, error) {
	switch p.tok.kind {
	case tokVariable:
		t := Variable(p.tok.text)
		return t, p.advance()
	case tokAnonymous:
		return Anonymous(), p.advance()
	case tokString:
		t := Constant(fact.String(p.tok.text))
		return t, p.advance()
	case tokInt:
		t := Constant(fact.Int(p.tok.num))
		return t, p.advance()
	case tokTrue:
		return Constant(fact.Bool(true)), p.advance()
	case tokFalse:
		return Constant(fact.Bool(false)), p.advance()
	case tokPunct:
		if p.tok.text == "[" {
			return p.listTerm()
		}
	}
	return Term{}, p.errf("expected term")
}

// listTerm parses a bracketed constant list. List elements must be
// constants; variables inside lists are not part of the term language.
func (p *parser) listTerm() (Term, error) {
	if err := p.advance(); err != nil {
		return Term{}, err
	}
	var elems []fact.Value
	if p.tok.kind == tokPunct && p.tok.text == "]" {
		return Constant(fact.List()), p.advance()
	}
	for {
		el, err := p.term()
		if err != nil {
			return Term{}, err
		}
		if el.Kind != TermConstant {
			return Term{}, p.errf("list elements must be constants")
		}
		elems = append(elems, el.Value)
		if p.tok.kind == tokPunct && p.tok.text == "," {
			if err := p.advance(); err != nil {
				return Term{}, err
			}
			continue
		}
		break
	}
	if p.tok.kind != tokPunct || p.tok.text != "]" {
		return Term{}, p.errf("expected ']' or ','")
	}
	return Constant(fact.List(elems...)), p.advance()
}
