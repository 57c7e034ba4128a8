package orm

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokParam
	tokNumber
	tokString
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(expr string) ([]token, error) {
	var out []token
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == ':':
			j := i + 1
			for j < len(rs) && isIdentRune(rs[j]) {
				j++
			}
			if j == i+1 {
				return nil, errors.Wrapf(ErrQuerySyntax, "empty parameter name at %d", i)
			}
			out = append(out, token{kind: tokParam, text: string(rs[i+1 : j]), pos: i})
			i = j
		case r == '\'':
			var b strings.Builder
			j := i + 1
			closed := false
			for j < len(rs) {
				if rs[j] == '\'' {
					if j+1 < len(rs) && rs[j+1] == '\'' {
						b.WriteRune('\'')
						j += 2
						continue
					}
					closed = true
					j++
					break
				}
				b.WriteRune(rs[j])
				j++
			}
			if !closed {
				return nil, errors.Wrapf(ErrQuerySyntax, "unterminated string at %d", i)
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: i})
			i = j
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			out = append(out, token{kind: tokNumber, text: string(rs[i:j]), pos: i})
			i = j
		case isIdentRune(r):
			j := i
			for j < len(rs) && (isIdentRune(rs[j]) || rs[j] == '.') {
				j++
			}
			out = append(out, token{kind: tokIdent, text: string(rs[i:j]), pos: i})
			i = j
		case strings.ContainsRune("=<>!", r):
			j := i + 1
			if j < len(rs) && (rs[j] == '=' || (r == '<' && rs[j] == '>')) {
				j++
			}
			op := string(rs[i:j])
			switch op {
			case "=", "<>", "!=", "<", "<=", ">", ">=":
			default:
				return nil, errors.Wrapf(ErrQuerySyntax, "unknown operator %q at %d", op, i)
			}
			out = append(out, token{kind: tokOp, text: op, pos: i})
			i = j
		default:
			return nil, errors.Wrapf(ErrQuerySyntax, "unexpected %q at %d", r, i)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(rs)}), nil
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type operandKind int

const (
	operandParam operandKind = iota
	operandLiteral
)

type operand struct {
	kind  operandKind
	param string
	value any
}

// predicate is one parsed comparison before field resolution.
type predicate struct {
	alias string
	field string
	op    string
	arg   operand
}

type parser struct {
	toks []token
	pos  int
}

// parseCondition parses `alias.field OP operand [AND ...]`.
func parseCondition(expr string) ([]predicate, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var out []predicate
	for {
		pred, err := p.predicate()
		if err != nil {
			return nil, err
		}
		out = append(out, pred)
		t := p.next()
		if t.kind == tokEOF {
			return out, nil
		}
		if !p.keyword(t, "AND") {
			return nil, errors.Wrapf(ErrQuerySyntax, "expected AND at %d, got %q", t.pos, t.text)
		}
	}
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(t token, word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (p *parser) predicate() (predicate, error) {
	t := p.next()
	if t.kind != tokIdent {
		return predicate{}, errors.Wrapf(ErrQuerySyntax, "expected field at %d", t.pos)
	}
	alias, field, err := splitPath(t.text)
	if err != nil {
		return predicate{}, err
	}
	pred := predicate{alias: alias, field: field}
	t = p.next()
	if p.keyword(t, "IS") {
		t = p.next()
		pred.op = "IS NULL"
		if p.keyword(t, "NOT") {
			pred.op = "IS NOT NULL"
			t = p.next()
		}
		if !p.keyword(t, "NULL") {
			return predicate{}, errors.Wrapf(ErrQuerySyntax, "expected NULL at %d", t.pos)
		}
		return pred, nil
	}
	if t.kind != tokOp {
		return predicate{}, errors.Wrapf(ErrQuerySyntax, "expected operator at %d", t.pos)
	}
	pred.op = t.text
	if pred.op == "!=" {
		pred.op = "<>"
	}
	t = p.next()
	switch {
	case t.kind == tokParam:
		pred.arg = operand{kind: operandParam, param: t.text}
	case t.kind == tokString:
		pred.arg = operand{kind: operandLiteral, value: t.text}
	case t.kind == tokNumber:
		v, err := parseNumber(t.text)
		if err != nil {
			return predicate{}, errors.Wrapf(ErrQuerySyntax, "bad number %q at %d", t.text, t.pos)
		}
		pred.arg = operand{kind: operandLiteral, value: v}
	case p.keyword(t, "true"), p.keyword(t, "false"):
		pred.arg = operand{kind: operandLiteral, value: strings.EqualFold(t.text, "true")}
	default:
		return predicate{}, errors.Wrapf(ErrQuerySyntax, "expected operand at %d", t.pos)
	}
	return pred, nil
}

func parseNumber(s string) (any, error) {
	if strings.Contains(s, ".") {
		return strconv.ParseFloat(s, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

func splitPath(path string) (string, string, error) {
	alias, field, ok := strings.Cut(path, ".")
	if !ok || alias == "" || field == "" || strings.Contains(field, ".") {
		return "", "", errors.Wrapf(ErrQuerySyntax, "expected alias.field, got %q", path)
	}
	return alias, field, nil
}
