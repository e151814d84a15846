package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// expand replaces $(Name) references using lookup. Property functions such as
// $([MSBuild]::...) and item or metadata transforms are not evaluated and expand
// to the empty string.
func expand(s string, lookup func(string) string) string {
	if !strings.Contains(s, "$(") {
		return s
	}

	var b strings.Builder
	for {
		start := strings.Index(s, "$(")
		if start < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])

		end := matchParen(s, start+1)
		if end < 0 {
			// Unterminated reference, keep the text as written
			b.WriteString(s[start:])
			break
		}

		name := strings.TrimSpace(s[start+2 : end])
		if isIdentifier(name) {
			b.WriteString(lookup(name))
		}
		s = s[end+1:]
	}
	return b.String()
}

// matchParen returns the index of the parenthesis closing the one at open, or -1
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

// conditionEnv gives conditions access to properties and the file system
type conditionEnv struct {
	lookup func(string) string
	dir    string // base directory for relative Exists() paths
}

// evalCondition evaluates an msbuild-style condition. Supported forms are
// comparisons (==, !=, <, >, <=, >=), and/or/!, parentheses, Exists() and
// HasTrailingSlash(), and bare true/false operands.
func evalCondition(cond string, env conditionEnv) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}

	toks, err := tokenize(cond)
	if err != nil {
		return false, err
	}
	p := &condParser{toks: toks, env: env}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected %q in condition", p.toks[p.pos].text)
	}
	return v, nil
}

type tokenKind int

const (
	tokString tokenKind = iota
	tokWord
	tokOp
	tokLParen
	tokRParen
	tokNot
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string in condition %q", s)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, s[i : i+2]})
				i += 2
				continue
			}
			switch c {
			case '!':
				toks = append(toks, token{tokNot, "!"})
			case '<', '>':
				toks = append(toks, token{tokOp, string(c)})
			default:
				return nil, fmt.Errorf("unexpected '=' in condition %q", s)
			}
			i++
		case c == '$':
			// Unquoted property reference: $(Name)
			end := matchParen(s, i+1)
			if end < 0 {
				return nil, fmt.Errorf("unterminated property in condition %q", s)
			}
			toks = append(toks, token{tokString, s[i : end+1]})
			i = end + 1
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\r\n'()=!<>", rune(s[j])) {
				j++
			}
			toks = append(toks, token{tokWord, s[i:j]})
			i = j
		}
	}
	return toks, nil
}

type condParser struct {
	toks []token
	pos  int
	env  conditionEnv
}

func (p *condParser) peek() *token {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *condParser) keyword(word string) bool {
	t := p.peek()
	if t != nil && t.kind == tokWord && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) and() (bool, error) {
	left, err := p.unary()
	if err != nil {
		return false, err
	}
	for p.keyword("and") {
		right, err := p.unary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) unary() (bool, error) {
	if t := p.peek(); t != nil && t.kind == tokNot {
		p.pos++
		v, err := p.unary()
		return !v, err
	}
	return p.primary()
}

func (p *condParser) primary() (bool, error) {
	t := p.peek()
	if t == nil {
		return false, fmt.Errorf("unexpected end of condition")
	}

	if t.kind == tokLParen {
		p.pos++
		v, err := p.or()
		if err != nil {
			return false, err
		}
		if r := p.peek(); r == nil || r.kind != tokRParen {
			return false, fmt.Errorf("missing ')' in condition")
		}
		p.pos++
		return v, nil
	}

	if t.kind == tokWord && p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokLParen {
		return p.function()
	}

	left, err := p.operand()
	if err != nil {
		return false, err
	}
	op := p.peek()
	if op == nil || op.kind != tokOp {
		return parseBool(left)
	}
	p.pos++
	right, err := p.operand()
	if err != nil {
		return false, err
	}
	return compare(left, op.text, right)
}

func (p *condParser) function() (bool, error) {
	name := p.toks[p.pos].text
	p.pos += 2 // name and '('

	arg, err := p.operand()
	if err != nil {
		return false, err
	}
	if r := p.peek(); r == nil || r.kind != tokRParen {
		return false, fmt.Errorf("missing ')' after %s argument", name)
	}
	p.pos++

	switch strings.ToLower(name) {
	case "exists":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return false, nil
		}
		arg = normalizeSeparators(arg)
		if !filepath.IsAbs(arg) {
			arg = filepath.Join(p.env.dir, arg)
		}
		_, err := os.Stat(arg)
		return err == nil, nil
	case "hastrailingslash":
		return strings.HasSuffix(arg, "/") || strings.HasSuffix(arg, `\`), nil
	default:
		return false, fmt.Errorf("unsupported condition function %s", name)
	}
}

func (p *condParser) operand() (string, error) {
	t := p.peek()
	if t == nil {
		return "", fmt.Errorf("unexpected end of condition")
	}
	switch t.kind {
	case tokString, tokWord:
		p.pos++
		return expand(t.text, p.env.lookup), nil
	default:
		return "", fmt.Errorf("unexpected %q in condition", t.text)
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "yes":
		return true, nil
	case "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", s)
}

func compare(left, op, right string) (bool, error) {
	switch op {
	case "==":
		return strings.EqualFold(left, right), nil
	case "!=":
		return !strings.EqualFold(left, right), nil
	}

	l, lerr := strconv.ParseFloat(strings.TrimSpace(left), 64)
	r, rerr := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if lerr != nil || rerr != nil {
		return false, fmt.Errorf("cannot compare %q %s %q numerically", left, op, right)
	}
	switch op {
	case "<":
		return l < r, nil
	case ">":
		return l > r, nil
	case "<=":
		return l <= r, nil
	case ">=":
		return l >= r, nil
	}
	return false, fmt.Errorf("unknown operator %s", op)
}
