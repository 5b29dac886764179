package tables

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/danmuck/rfcctl/internal/rfc"
)

// SyntaxError reports a malformed where clause.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("tables: where clause at %d: %s", e.Pos, e.Msg)
}

// Op is a comparison operator.
type Op string

const (
	OpEQ Op = "EQ"
	OpNE Op = "NE"
	OpLT Op = "LT"
	OpLE Op = "LE"
	OpGT Op = "GT"
	OpGE Op = "GE"
)

var opSymbols = map[string]Op{
	"EQ": OpEQ,
	"=":  OpEQ,
	"NE": OpNE,
	"<>": OpNE,
	"LT": OpLT,
	"<":  OpLT,
	"LE": OpLE,
	"<=": OpLE,
	"GT": OpGT,
	">":  OpGT,
	"GE": OpGE,
	">=": OpGE,
}

// Literal is a quoted or numeric constant in a where clause.
type Literal struct {
	Text    string
	Numeric bool
}

func (l Literal) String() string {
	if l.Numeric {
		return l.Text
	}
	return "'" + strings.ReplaceAll(l.Text, "'", "''") + "'"
}

// Expr is a parsed where clause node.
type Expr interface {
	Eval(row Row) bool
	String() string
	columns(add func(string))
}

type Compare struct {
	Field string
	Op    Op
	Value Literal
}

type Like struct {
	Field   string
	Pattern string
	Negate  bool
	re      *regexp.Regexp
}

type In struct {
	Field  string
	Values []Literal
	Negate bool
}

type Between struct {
	Field  string
	Low    Literal
	High   Literal
	Negate bool
}

type And struct{ Left, Right Expr }

type Or struct{ Left, Right Expr }

type Not struct{ Inner Expr }

// True matches every row; it is what an empty clause parses to.
type True struct{}

func (True) Eval(Row) bool { return true }

func (True) String() string { return "" }

func (True) columns(func(string)) {}

func (a And) Eval(r Row) bool { return a.Left.Eval(r) && a.Right.Eval(r) }

func (o Or) Eval(r Row) bool { return o.Left.Eval(r) || o.Right.Eval(r) }

func (n Not) Eval(r Row) bool { return !n.Inner.Eval(r) }

func (a And) String() string { return "(" + a.Left.String() + " AND " + a.Right.String() + ")" }

func (o Or) String() string { return "(" + o.Left.String() + " OR " + o.Right.String() + ")" }

func (n Not) String() string { return "NOT " + n.Inner.String() }

func (c Compare) columns(add func(string)) { add(c.Field) }

func (l *Like) columns(add func(string)) { add(l.Field) }

func (i In) columns(add func(string)) { add(i.Field) }

func (b Between) columns(add func(string)) { add(b.Field) }

func (a And) columns(add func(string)) {
	a.Left.columns(add)
	a.Right.columns(add)
}

func (o Or) columns(add func(string)) {
	o.Left.columns(add)
	o.Right.columns(add)
}

func (n Not) columns(add func(string)) { n.Inner.columns(add) }

func (c Compare) Eval(r Row) bool {
	return compareOp(c.Op, compare(r.text(c.Field), c.Value))
}

func (c Compare) String() string {
	return c.Field + " " + string(c.Op) + " " + c.Value.String()
}

func (l *Like) Eval(r Row) bool {
	return l.re.MatchString(r.text(l.Field)) != l.Negate
}

func (l *Like) String() string {
	return l.Field + negWord(l.Negate) + " LIKE " + Literal{Text: l.Pattern}.String()
}

func (i In) Eval(r Row) bool {
	v := r.text(i.Field)
	for _, lit := range i.Values {
		if compare(v, lit) == 0 {
			return !i.Negate
		}
	}
	return i.Negate
}

func (i In) String() string {
	parts := make([]string, len(i.Values))
	for k, v := range i.Values {
		parts[k] = v.String()
	}
	return i.Field + negWord(i.Negate) + " IN (" + strings.Join(parts, ", ") + ")"
}

func (b Between) Eval(r Row) bool {
	v := r.text(b.Field)
	in := compare(v, b.Low) >= 0 && compare(v, b.High) <= 0
	return in != b.Negate
}

func (b Between) String() string {
	return b.Field + negWord(b.Negate) + " BETWEEN " + b.Low.String() + " AND " + b.High.String()
}

func negWord(neg bool) string {
	if neg {
		return " NOT"
	}
	return ""
}

// Columns returns the field names referenced by e, sorted and unique.
func Columns(e Expr) []string {
	seen := map[string]struct{}{}
	e.columns(func(name string) { seen[name] = struct{}{} })
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// compare orders a row value against a literal: numerically when both parse
// as numbers, else as trimmed text.
func compare(v string, lit Literal) int {
	v = strings.TrimSpace(v)
	if a, err := strconv.ParseFloat(v, 64); err == nil {
		if b, err := strconv.ParseFloat(strings.TrimSpace(lit.Text), 64); err == nil {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(v, strings.TrimRight(lit.Text, " "))
}

func compareOp(op Op, c int) bool {
	switch op {
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	case OpLT:
		return c < 0
	case OpLE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpGE:
		return c >= 0
	}
	return false
}

// likeRegexp translates a LIKE pattern (% any run, _ one rune) to an anchored regexp.
func likeRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Parse parses an OPTIONS where clause. An empty clause matches everything.
func Parse(text string) (Expr, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return True{}, nil
	}
	p := &parser{toks: toks}
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return e, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{tokString, b.String(), start})
		case r == '<' || r == '>' || r == '=':
			start := i
			op := string(r)
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				op += string(rs[i+1])
			}
			i += len([]rune(op))
			toks = append(toks, token{tokOp, op, start})
		case unicode.IsDigit(r) || ((r == '-' || r == '+') && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			text := string(rs[start:i])
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("bad number %q", text)}
			}
			toks = append(toks, token{tokNumber, text, start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '-' || rs[i] == '/') {
				i++
			}
			toks = append(toks, token{tokIdent, strings.ToUpper(string(rs[start:i])), start})
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{pos: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if !p.done() && t.kind == tokIdent && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) error {
	pos := -1
	if !p.done() {
		pos = p.peek().pos
	} else if len(p.toks) > 0 {
		last := p.toks[len(p.toks)-1]
		pos = last.pos + len([]rune(last.text))
	}
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) unary() (Expr, error) {
	if p.keyword("NOT") {
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Not{Inner: inner}, nil
	}
	if p.peek().kind == tokLParen && !p.done() {
		p.next()
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokRParen {
			return nil, p.errorf("missing )")
		}
		p.next()
		return e, nil
	}
	return p.predicate()
}

func (p *parser) predicate() (Expr, error) {
	if p.done() {
		return nil, p.errorf("expected field name")
	}
	t := p.next()
	if t.kind != tokIdent || isKeyword(t.text) {
		p.pos--
		return nil, p.errorf("expected field name, got %q", t.text)
	}
	field := rfc.NormalizeName(t.text)

	if !p.done() {
		if op, ok := p.comparison(); ok {
			lit, err := p.literal()
			if err != nil {
				return nil, err
			}
			return Compare{Field: field, Op: op, Value: lit}, nil
		}
	}
	negate := p.keyword("NOT")
	switch {
	case p.keyword("LIKE"):
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(likeRegexp(lit.Text))
		if err != nil {
			return nil, p.errorf("bad pattern: %v", err)
		}
		return &Like{Field: field, Pattern: lit.Text, Negate: negate, re: re}, nil
	case p.keyword("IN"):
		if p.done() || p.peek().kind != tokLParen {
			return nil, p.errorf("expected ( after IN")
		}
		p.next()
		var vals []Literal
		for {
			lit, err := p.literal()
			if err != nil {
				return nil, err
			}
			vals = append(vals, lit)
			if !p.done() && p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
		if p.done() || p.peek().kind != tokRParen {
			return nil, p.errorf("missing ) after IN list")
		}
		p.next()
		return In{Field: field, Values: vals, Negate: negate}, nil
	case p.keyword("BETWEEN"):
		low, err := p.literal()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, p.errorf("expected AND in BETWEEN")
		}
		high, err := p.literal()
		if err != nil {
			return nil, err
		}
		return Between{Field: field, Low: low, High: high, Negate: negate}, nil
	}
	return nil, p.errorf("expected operator after %s", field)
}

func (p *parser) comparison() (Op, bool) {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return "", false
	}
	op, ok := opSymbols[t.text]
	if !ok {
		return "", false
	}
	p.pos++
	return op, true
}

func (p *parser) literal() (Literal, error) {
	if p.done() {
		return Literal{}, p.errorf("expected literal")
	}
	t := p.next()
	switch t.kind {
	case tokString:
		return Literal{Text: t.text}, nil
	case tokNumber:
		return Literal{Text: t.text, Numeric: true}, nil
	}
	p.pos--
	return Literal{}, p.errorf("expected literal, got %q", t.text)
}

func isKeyword(s string) bool {
	switch s {
	case "AND", "OR", "NOT", "LIKE", "IN", "BETWEEN":
		return true
	}
	_, op := opSymbols[s]
	return op
}
