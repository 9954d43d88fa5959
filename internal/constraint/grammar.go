package constraint

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Grammar sources use a small GBNF-like notation:
//
//	root  ::= answer ws? "."
//	answer ::= "yes" | "no" | [0-9]+
//	ws    ::= [ \t]+
//
// Supported: string literals, character classes (with ranges and ^), '.',
// rule references, grouping, and the postfix operators * + ?. Comments start
// with '#'. The rule named "root" is the start symbol, otherwise the first.

type symKind uint8

const (
	symTerm symKind = iota
	symRule
)

type runeRange struct{ lo, hi rune }

type symbol struct {
	kind   symKind
	rule   int
	ranges []runeRange
	negate bool
}

func (s *symbol) matches(r rune) bool {
	in := false
	for _, rr := range s.ranges {
		if r >= rr.lo && r <= rr.hi {
			in = true
			break
		}
	}
	return in != s.negate
}

type grammar struct {
	names    []string
	defined  []bool
	prods    [][][]symbol
	nullable []bool
	root     int
}

var ruleHead = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9_-]*)\s*::=`)

func compileGrammar(src string) (Program, error) {
	g := &grammar{root: -1}
	index := make(map[string]int)
	ref := func(name string) int {
		if i, ok := index[name]; ok {
			return i
		}
		i := g.addRule(name)
		index[name] = i
		return i
	}

	type chunk struct {
		rule int
		body strings.Builder
	}
	var chunks []*chunk
	for _, line := range strings.Split(src, "\n") {
		if m := ruleHead.FindStringSubmatchIndex(line); m != nil {
			name := line[m[2]:m[3]]
			r := ref(name)
			if g.defined[r] {
				return nil, &Error{Kind: KindGrammar, Msg: fmt.Sprintf("rule %q defined twice", name)}
			}
			g.defined[r] = true
			if g.root < 0 || name == "root" {
				g.root = r
			}
			c := &chunk{rule: r}
			c.body.WriteString(line[m[1]:])
			chunks = append(chunks, c)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(chunks) == 0 {
			if strings.HasPrefix(strings.TrimSpace(line), "#") {
				continue
			}
			return nil, &Error{Kind: KindGrammar, Msg: "expression before first rule"}
		}
		c := chunks[len(chunks)-1]
		c.body.WriteByte('\n')
		c.body.WriteString(line)
	}
	if len(chunks) == 0 {
		return nil, &Error{Kind: KindGrammar, Msg: "no rules"}
	}
	for _, c := range chunks {
		p := &gparser{src: []rune(c.body.String()), g: g, ref: ref}
		alts, err := p.parseAlt()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos < len(p.src) {
			return nil, p.errorf("unexpected %q", string(p.src[p.pos]))
		}
		g.prods[c.rule] = alts
	}
	for i, name := range g.names {
		if !g.defined[i] {
			return nil, &Error{Kind: KindGrammar, Msg: fmt.Sprintf("undefined rule %q", name)}
		}
	}
	g.computeNullable()
	return g, nil
}

func (g *grammar) addRule(name string) int {
	g.names = append(g.names, name)
	g.defined = append(g.defined, false)
	g.prods = append(g.prods, nil)
	return len(g.names) - 1
}

func (g *grammar) synthetic(prods [][]symbol) int {
	i := g.addRule(fmt.Sprintf("_g%d", len(g.names)))
	g.defined[i] = true
	g.prods[i] = prods
	return i
}

func (g *grammar) computeNullable() {
	g.nullable = make([]bool, len(g.prods))
	for changed := true; changed; {
		changed = false
		for r, prods := range g.prods {
			if g.nullable[r] {
				continue
			}
			for _, p := range prods {
				all := true
				for i := range p {
					if p[i].kind == symTerm || !g.nullable[p[i].rule] {
						all = false
						break
					}
				}
				if all {
					g.nullable[r] = true
					changed = true
					break
				}
			}
		}
	}
}

type gparser struct {
	src []rune
	pos int
	g   *grammar
	ref func(string) int
}

func (p *gparser) errorf(format string, args ...any) error {
	return &Error{Kind: KindGrammar, Msg: fmt.Sprintf("offset %d: ", p.pos) + fmt.Sprintf(format, args...)}
}

func (p *gparser) skipSpace() {
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if r == '#' {
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		if !unicode.IsSpace(r) {
			return
		}
		p.pos++
	}
}

func (p *gparser) parseAlt() ([][]symbol, error) {
	var alts [][]symbol
	for {
		seq, err := p.parseSeq()
		if err != nil {
			return nil, err
		}
		alts = append(alts, seq)
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == '|' {
			p.pos++
			continue
		}
		return alts, nil
	}
}

func (p *gparser) parseSeq() ([]symbol, error) {
	var seq []symbol
	for {
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] == '|' || p.src[p.pos] == ')' {
			return seq, nil
		}
		syms, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if p.pos < len(p.src) {
			switch op := p.src[p.pos]; op {
			case '*', '+', '?':
				p.pos++
				syms = []symbol{p.repeat(syms, op)}
			}
		}
		seq = append(seq, syms...)
	}
}

// repeat desugars x*, x+ and x? into a synthetic rule.
func (p *gparser) repeat(x []symbol, op rune) symbol {
	var n int
	switch op {
	case '*':
		n = p.g.synthetic(nil)
		p.g.prods[n] = [][]symbol{{}, append(append([]symbol(nil), x...), symbol{kind: symRule, rule: n})}
	case '+':
		n = p.g.synthetic(nil)
		p.g.prods[n] = [][]symbol{append([]symbol(nil), x...), append(append([]symbol(nil), x...), symbol{kind: symRule, rule: n})}
	default:
		n = p.g.synthetic([][]symbol{{}, append([]symbol(nil), x...)})
	}
	return symbol{kind: symRule, rule: n}
}

func (p *gparser) parsePrimary() ([]symbol, error) {
	r := p.src[p.pos]
	switch {
	case r == '"':
		p.pos++
		var out []symbol
		for {
			if p.pos >= len(p.src) {
				return nil, p.errorf("unterminated string")
			}
			c := p.src[p.pos]
			p.pos++
			if c == '"' {
				break
			}
			if c == '\\' {
				var err error
				if c, err = p.escape(); err != nil {
					return nil, err
				}
			}
			out = append(out, symbol{kind: symTerm, ranges: []runeRange{{c, c}}})
		}
		if len(out) == 0 {
			return []symbol{{kind: symRule, rule: p.g.synthetic([][]symbol{{}})}}, nil
		}
		return out, nil
	case r == '[':
		return p.parseClass()
	case r == '.':
		p.pos++
		return []symbol{{kind: symTerm, negate: true}}, nil
	case r == '(':
		p.pos++
		alts, err := p.parseAlt()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return nil, p.errorf("missing ')'")
		}
		p.pos++
		return []symbol{{kind: symRule, rule: p.g.synthetic(alts)}}, nil
	case unicode.IsLetter(r):
		start := p.pos
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-') {
				break
			}
			p.pos++
		}
		return []symbol{{kind: symRule, rule: p.ref(string(p.src[start:p.pos]))}}, nil
	}
	return nil, p.errorf("unexpected %q", string(r))
}

func (p *gparser) escape() (rune, error) {
	if p.pos >= len(p.src) {
		return 0, p.errorf("dangling escape")
	}
	c := p.src[p.pos]
	p.pos++
	switch c {
	case 'n':
		return '\n', nil
	case 't':
		return '\t', nil
	case 'r':
		return '\r', nil
	default:
		return c, nil
	}
}

func (p *gparser) parseClass() ([]symbol, error) {
	p.pos++ // '['
	sym := symbol{kind: symTerm}
	if p.pos < len(p.src) && p.src[p.pos] == '^' {
		sym.negate = true
		p.pos++
	}
	read := func() (rune, error) {
		if p.pos >= len(p.src) {
			return 0, p.errorf("unterminated class")
		}
		c := p.src[p.pos]
		p.pos++
		if c == '\\' {
			return p.escape()
		}
		return c, nil
	}
	for {
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated class")
		}
		if p.src[p.pos] == ']' {
			p.pos++
			break
		}
		lo, err := read()
		if err != nil {
			return nil, err
		}
		hi := lo
		if p.pos+1 < len(p.src) && p.src[p.pos] == '-' && p.src[p.pos+1] != ']' {
			p.pos++
			if hi, err = read(); err != nil {
				return nil, err
			}
		}
		sym.ranges = append(sym.ranges, runeRange{lo, hi})
	}
	return []symbol{sym}, nil
}

// Earley recognition with prefix viability.

type item struct {
	rule, prod, dot, origin int32
}

type itemSet struct {
	items []item
	seen  map[item]struct{}
}

func (s *itemSet) add(it item) {
	if _, ok := s.seen[it]; ok {
		return
	}
	s.seen[it] = struct{}{}
	s.items = append(s.items, it)
}

func (g *grammar) next(it item) (*symbol, bool) {
	p := g.prods[it.rule][it.prod]
	if int(it.dot) >= len(p) {
		return nil, false
	}
	return &p[it.dot], true
}

// closure predicts and completes set k in place.
func (g *grammar) closure(sets []*itemSet, k int) {
	set := sets[k]
	for j := 0; j < len(set.items); j++ {
		it := set.items[j]
		if sym, ok := g.next(it); ok {
			if sym.kind != symRule {
				continue
			}
			for pi := range g.prods[sym.rule] {
				set.add(item{rule: int32(sym.rule), prod: int32(pi), origin: int32(k)})
			}
			if g.nullable[sym.rule] {
				adv := it
				adv.dot++
				set.add(adv)
			}
			continue
		}
		parent := sets[it.origin]
		for x := 0; x < len(parent.items); x++ {
			pit := parent.items[x]
			if sym, ok := g.next(pit); ok && sym.kind == symRule && sym.rule == int(it.rule) {
				adv := pit
				adv.dot++
				set.add(adv)
			}
		}
	}
}

func (g *grammar) scan(sets []*itemSet, r rune) *itemSet {
	last := sets[len(sets)-1]
	next := &itemSet{seen: make(map[item]struct{})}
	for _, it := range last.items {
		if sym, ok := g.next(it); ok && sym.kind == symTerm && sym.matches(r) {
			adv := it
			adv.dot++
			next.add(adv)
		}
	}
	return next
}

func (g *grammar) NewMatcher() Matcher {
	start := &itemSet{seen: make(map[item]struct{})}
	for pi := range g.prods[g.root] {
		start.add(item{rule: int32(g.root), prod: int32(pi)})
	}
	sets := []*itemSet{start}
	g.closure(sets, 0)
	return &grammarMatcher{g: g, sets: sets}
}

type grammarMatcher struct {
	g    *grammar
	sets []*itemSet
}

func (m *grammarMatcher) run(text string) ([]*itemSet, bool) {
	sets := m.sets[:len(m.sets):len(m.sets)]
	for _, r := range text {
		next := m.g.scan(sets, r)
		if len(next.items) == 0 {
			return nil, false
		}
		sets = append(sets, next)
		m.g.closure(sets, len(sets)-1)
	}
	return sets, true
}

func (m *grammarMatcher) Allows(text string) bool {
	_, ok := m.run(text)
	return ok
}

func (m *grammarMatcher) Advance(text string) error {
	sets, ok := m.run(text)
	if !ok {
		return fmt.Errorf("constraint grammar: %q breaks the parse", text)
	}
	m.sets = sets
	return nil
}

func (m *grammarMatcher) Complete() bool {
	last := m.sets[len(m.sets)-1]
	for _, it := range last.items {
		if int(it.rule) == m.g.root && it.origin == 0 {
			if _, ok := m.g.next(it); !ok {
				return true
			}
		}
	}
	return false
}

func (m *grammarMatcher) Clone() Matcher {
	return &grammarMatcher{g: m.g, sets: append([]*itemSet(nil), m.sets...)}
}
