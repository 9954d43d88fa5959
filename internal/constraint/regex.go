package constraint

import (
	"fmt"
	"regexp/syntax"
	"unicode/utf8"
)

// regexProgram wraps a compiled regexp/syntax program. The program is
// anchored at both ends: the whole generated text must match.
type regexProgram struct {
	prog *syntax.Prog
}

func compileRegex(src string) (Program, error) {
	re, err := syntax.Parse(src, syntax.Perl)
	if err != nil {
		return nil, &Error{Kind: KindRegex, Msg: err.Error()}
	}
	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, &Error{Kind: KindRegex, Msg: err.Error()}
	}
	return &regexProgram{prog: prog}, nil
}

func (p *regexProgram) NewMatcher() Matcher {
	m := &regexMatcher{prog: p.prog, prev: -1}
	m.states = m.closure([]uint32{uint32(p.prog.Start)})
	return m
}

// regexMatcher simulates the NFA over a set of program counters.
type regexMatcher struct {
	prog   *syntax.Prog
	states []uint32
	prev   rune
}

// closure expands pcs through the non-consuming instructions.
func (m *regexMatcher) closure(pcs []uint32) []uint32 {
	seen := make(map[uint32]bool, len(pcs)*2)
	out := make([]uint32, 0, len(pcs))
	stack := append([]uint32(nil), pcs...)
	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[pc] {
			continue
		}
		seen[pc] = true
		inst := &m.prog.Inst[pc]
		switch inst.Op {
		case syntax.InstAlt, syntax.InstAltMatch:
			stack = append(stack, inst.Arg, inst.Out)
		case syntax.InstCapture, syntax.InstNop:
			stack = append(stack, inst.Out)
		case syntax.InstEmptyWidth:
			if m.emptyOK(syntax.EmptyOp(inst.Arg)) {
				stack = append(stack, inst.Out)
			}
		case syntax.InstFail:
		default:
			out = append(out, pc)
		}
	}
	return out
}

// emptyOK evaluates zero-width assertions. Beginning assertions are exact;
// end and word-boundary assertions cannot be decided on a prefix and are
// assumed satisfiable.
func (m *regexMatcher) emptyOK(op syntax.EmptyOp) bool {
	if op&syntax.EmptyBeginText != 0 && m.prev != -1 {
		return false
	}
	if op&syntax.EmptyBeginLine != 0 && m.prev != -1 && m.prev != '\n' {
		return false
	}
	return true
}

func matchRune(inst *syntax.Inst, r rune) bool {
	switch inst.Op {
	case syntax.InstRune, syntax.InstRune1:
		return inst.MatchRune(r)
	case syntax.InstRuneAny:
		return true
	case syntax.InstRuneAnyNotNL:
		return r != '\n'
	}
	return false
}

func (m *regexMatcher) step(states []uint32, r rune) []uint32 {
	var next []uint32
	for _, pc := range states {
		inst := &m.prog.Inst[pc]
		if matchRune(inst, r) {
			next = append(next, inst.Out)
		}
	}
	m.prev = r
	if len(next) == 0 {
		return nil
	}
	return m.closure(next)
}

func (m *regexMatcher) run(text string) ([]uint32, rune) {
	save := m.prev
	states := m.states
	for _, r := range text {
		states = m.step(states, r)
		if len(states) == 0 {
			break
		}
	}
	prev := m.prev
	m.prev = save
	return states, prev
}

func (m *regexMatcher) Allows(text string) bool {
	if !utf8.ValidString(text) {
		return false
	}
	states, _ := m.run(text)
	return len(states) > 0
}

func (m *regexMatcher) Advance(text string) error {
	states, prev := m.run(text)
	if len(states) == 0 {
		return fmt.Errorf("constraint regex: %q breaks the match", text)
	}
	m.states, m.prev = states, prev
	return nil
}

func (m *regexMatcher) Complete() bool {
	for _, pc := range m.states {
		if m.prog.Inst[pc].Op == syntax.InstMatch {
			return true
		}
	}
	return false
}

func (m *regexMatcher) Clone() Matcher {
	return &regexMatcher{prog: m.prog, states: append([]uint32(nil), m.states...), prev: m.prev}
}
