// Package constraint restricts generated text to a regular expression or a
// context-free grammar. Matchers answer one question cheaply: can the text
// produced so far, extended by a candidate token, still become a full match?
package constraint

import (
	"fmt"
	"strings"
)

// Kind selects the constraint language.
type Kind string

const (
	KindNone    Kind = ""
	KindRegex   Kind = "regex"
	KindGrammar Kind = "grammar"
)

// Spec is the caller-facing description of a constraint.
type Spec struct {
	Kind   Kind
	Source string
}

// Active reports whether s constrains anything.
func (s Spec) Active() bool { return s.Kind != KindNone && strings.TrimSpace(s.Source) != "" }

// Program is a compiled, immutable constraint shared by many sequences.
type Program interface {
	NewMatcher() Matcher
}

// Matcher is the per-sequence state of a constraint.
type Matcher interface {
	// Allows reports whether appending text keeps a match possible.
	Allows(text string) bool
	// Advance consumes text; it fails if the match becomes impossible.
	Advance(text string) error
	// Complete reports whether the consumed text is a full match.
	Complete() bool
	// Clone returns an independent copy.
	Clone() Matcher
}

// Error reports an invalid constraint source.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("constraint %s: %s", e.Kind, e.Msg) }

// Compile builds a Program from spec. An inactive spec yields (nil, nil).
func Compile(spec Spec) (Program, error) {
	if !spec.Active() {
		return nil, nil
	}
	switch spec.Kind {
	case KindRegex:
		return compileRegex(spec.Source)
	case KindGrammar:
		return compileGrammar(spec.Source)
	default:
		return nil, &Error{Kind: spec.Kind, Msg: "unknown constraint kind"}
	}
}

// Vocab yields the text a token id contributes to the output.
type Vocab interface {
	TokenText(id int) string
}

// TokenMask admits the tokens whose text keeps the matcher viable. The end
// token is admitted only once the matcher is complete. Results are memoized
// for the matcher state the mask was built from.
type TokenMask struct {
	m    Matcher
	v    Vocab
	eos  int
	memo map[int]bool
}

// NewTokenMask builds a mask for the current state of m. eos < 0 means the
// model has no end token.
func NewTokenMask(m Matcher, v Vocab, eos int) *TokenMask {
	return &TokenMask{m: m, v: v, eos: eos, memo: make(map[int]bool)}
}

func (t *TokenMask) Allows(tok int) bool {
	if t == nil || t.m == nil {
		return true
	}
	if tok == t.eos && t.eos >= 0 {
		return t.m.Complete()
	}
	if ok, seen := t.memo[tok]; seen {
		return ok
	}
	text := t.v.TokenText(tok)
	ok := text != "" && t.m.Allows(text)
	t.memo[tok] = ok
	return ok
}
