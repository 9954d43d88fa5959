package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Tokenizer maps text to token ids and back.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	// TokenText is the raw text a single token contributes; byte tokens
	// yield their single byte.
	TokenText(id int) string
	VocabSize() int
	Vocab() []string
	ID(token string) (int, bool)
}

// vocabTokenizer is a greedy longest-match tokenizer over a fixed vocabulary
// with <0xNN> byte fallback. Special tokens are matched before ordinary
// pieces so template markers like <image> stay atomic.
type vocabTokenizer struct {
	tokens  []string
	index   map[string]int
	special []string
	maxLen  int
	bytes   [256]int
}

func byteToken(b byte) string { return fmt.Sprintf("<0x%02X>", b) }

// NewVocabTokenizer builds a tokenizer. Missing byte-fallback tokens are
// appended to the vocabulary so every input is encodable.
func NewVocabTokenizer(vocab []string, special []string) (Tokenizer, error) {
	t := &vocabTokenizer{index: make(map[string]int, len(vocab)+256)}
	for _, tok := range vocab {
		if tok == "" {
			return nil, fmt.Errorf("empty token at id %d", len(t.tokens))
		}
		if _, dup := t.index[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q", tok)
		}
		t.index[tok] = len(t.tokens)
		t.tokens = append(t.tokens, tok)
	}
	for b := 0; b < 256; b++ {
		bt := byteToken(byte(b))
		id, ok := t.index[bt]
		if !ok {
			id = len(t.tokens)
			t.index[bt] = id
			t.tokens = append(t.tokens, bt)
		}
		t.bytes[b] = id
	}
	for _, s := range special {
		if s == "" {
			continue
		}
		if _, ok := t.index[s]; !ok {
			return nil, fmt.Errorf("special token %q not in vocabulary", s)
		}
		t.special = append(t.special, s)
	}
	sort.Slice(t.special, func(i, j int) bool { return len(t.special[i]) > len(t.special[j]) })
	for _, tok := range vocab {
		if len(tok) > t.maxLen {
			t.maxLen = len(tok)
		}
	}
	return t, nil
}

func (t *vocabTokenizer) isSpecial(tok string) bool {
	for _, s := range t.special {
		if s == tok {
			return true
		}
	}
	return false
}

func (t *vocabTokenizer) Encode(text string) ([]int, error) {
	var out []int
	for i := 0; i < len(text); {
		matched := false
		for _, s := range t.special {
			if strings.HasPrefix(text[i:], s) {
				out = append(out, t.index[s])
				i += len(s)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		end := min(len(text), i+t.maxLen)
		for ; end > i; end-- {
			piece := text[i:end]
			if id, ok := t.index[piece]; ok && !t.isSpecial(piece) {
				out = append(out, id)
				i = end
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, t.bytes[text[i]])
			i++
		}
	}
	return out, nil
}

func (t *vocabTokenizer) byteOf(id int) (byte, bool) {
	tok := t.tokens[id]
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), t.bytes[v] == id
}

func (t *vocabTokenizer) TokenText(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return ""
	}
	if b, ok := t.byteOf(id); ok {
		return string([]byte{b})
	}
	return t.tokens[id]
}

func (t *vocabTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.TokenText(id))
	}
	s := sb.String()
	if !utf8.ValidString(s) {
		return strings.ToValidUTF8(s, "�")
	}
	return s
}

func (t *vocabTokenizer) VocabSize() int { return len(t.tokens) }

func (t *vocabTokenizer) Vocab() []string { return t.tokens }

func (t *vocabTokenizer) ID(token string) (int, bool) {
	id, ok := t.index[token]
	return id, ok
}

// SameVocab reports whether two tokenizers assign identical ids.
func SameVocab(a, b Tokenizer) bool {
	va, vb := a.Vocab(), b.Vocab()
	if len(va) != len(vb) {
		return false
	}
	for i := range va {
		if va[i] != vb[i] {
			return false
		}
	}
	return true
}
