package constraint

import "testing"

func mustCompile(t *testing.T, spec Spec) Program {
	t.Helper()
	p, err := Compile(spec)
	if err != nil {
		t.Fatalf("compile %s: %v", spec.Kind, err)
	}
	if p == nil {
		t.Fatalf("compile %s: nil program", spec.Kind)
	}
	return p
}

func TestInactiveSpecCompilesToNil(t *testing.T) {
	p, err := Compile(Spec{})
	if err != nil || p != nil {
		t.Fatalf("expected nil program, got %v %v", p, err)
	}
	if _, err := Compile(Spec{Kind: "xml", Source: "x"}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestRegexPrefixViability(t *testing.T) {
	m := mustCompile(t, Spec{Kind: KindRegex, Source: `(yes|no)[0-9]+`}).NewMatcher()
	if !m.Allows("y") || !m.Allows("ye") || !m.Allows("no1") {
		t.Fatalf("viable prefixes rejected")
	}
	if m.Allows("x") || m.Allows("yesx") {
		t.Fatalf("dead prefixes accepted")
	}
	if err := m.Advance("yes"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if m.Complete() {
		t.Fatalf("yes alone must not be complete")
	}
	c := m.Clone()
	if err := m.Advance("42"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !m.Complete() {
		t.Fatalf("yes42 should be complete")
	}
	if c.Complete() {
		t.Fatalf("clone shares state with original")
	}
	if err := m.Advance("z"); err == nil {
		t.Fatalf("expected advance error")
	}
	if !m.Complete() {
		t.Fatalf("failed advance must not change state")
	}
}

func TestRegexIsAnchored(t *testing.T) {
	m := mustCompile(t, Spec{Kind: KindRegex, Source: `ab`}).NewMatcher()
	if m.Allows("xab") {
		t.Fatalf("regex must match from the start")
	}
	_ = m.Advance("ab")
	if m.Allows("c") {
		t.Fatalf("regex must match to the end")
	}
}

func TestRegexCompileError(t *testing.T) {
	if _, err := Compile(Spec{Kind: KindRegex, Source: `(`}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestGrammarRecognizesPrefixes(t *testing.T) {
	src := `
# answers are yes/no followed by optional digits
root   ::= answer num? "."
answer ::= "yes" | "no"
num    ::= [0-9]+
`
	m := mustCompile(t, Spec{Kind: KindGrammar, Source: src}).NewMatcher()
	if !m.Allows("ye") || !m.Allows("no12") || !m.Allows("yes.") {
		t.Fatalf("viable prefixes rejected")
	}
	if m.Allows("maybe") || m.Allows("yes.x") {
		t.Fatalf("dead prefixes accepted")
	}
	if err := m.Advance("no"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if m.Complete() {
		t.Fatalf("no is incomplete")
	}
	if err := m.Advance("7."); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !m.Complete() {
		t.Fatalf("no7. should be complete")
	}
}

func TestGrammarNullableAndGroups(t *testing.T) {
	src := `root ::= ("a" | "b")* end
end ::= "" | "!"`
	m := mustCompile(t, Spec{Kind: KindGrammar, Source: src}).NewMatcher()
	if !m.Complete() {
		t.Fatalf("empty input matches a nullable root")
	}
	if err := m.Advance("abba!"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !m.Complete() {
		t.Fatalf("abba! should be complete")
	}
	if m.Allows("a") {
		t.Fatalf("nothing may follow the terminator")
	}
}

func TestGrammarCharClassNegationAndAny(t *testing.T) {
	src := `root ::= [^0-9] .`
	m := mustCompile(t, Spec{Kind: KindGrammar, Source: src}).NewMatcher()
	if m.Allows("1") {
		t.Fatalf("negated class accepted a digit")
	}
	if !m.Allows("x9") {
		t.Fatalf("class + any rejected")
	}
}

func TestGrammarErrors(t *testing.T) {
	bad := []string{
		`"a" | "b"`,
		`root ::= missing`,
		`root ::= "a"
root ::= "b"`,
		`root ::= ("a"`,
		`root ::= [a-`,
	}
	for _, src := range bad {
		if _, err := Compile(Spec{Kind: KindGrammar, Source: src}); err == nil {
			t.Fatalf("expected error for %q", src)
		}
	}
}

type sliceVocab []string

func (v sliceVocab) TokenText(id int) string { return v[id] }

func TestTokenMask(t *testing.T) {
	vocab := sliceVocab{"</s>", "ye", "s", "no", "x", ""}
	m := mustCompile(t, Spec{Kind: KindRegex, Source: `yes|no`}).NewMatcher()
	mask := NewTokenMask(m, vocab, 0)
	if mask.Allows(0) {
		t.Fatalf("eos allowed before completion")
	}
	if !mask.Allows(1) || !mask.Allows(3) || mask.Allows(4) || mask.Allows(5) {
		t.Fatalf("unexpected token viability")
	}
	_ = m.Advance("no")
	if !NewTokenMask(m, vocab, 0).Allows(0) {
		t.Fatalf("eos rejected after completion")
	}
	var none *TokenMask
	if !none.Allows(4) {
		t.Fatalf("nil mask must allow everything")
	}
}
