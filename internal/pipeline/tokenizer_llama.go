//go:build llama

package pipeline

import (
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with llama.cpp support.
var llamaBuilt = true

// llamaTokenizer encodes with the tokenizer embedded in a GGUF file and
// decodes through the manifest vocabulary, which must list the same pieces.
type llamaTokenizer struct {
	*vocabTokenizer
	mu    sync.Mutex
	model *llama.LLama
}

// NewLlamaTokenizer loads only what is needed to tokenize.
func NewLlamaTokenizer(path string, ctxSize int, vocab, special []string) (Tokenizer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("tokenizer path is empty")
	}
	base, err := NewVocabTokenizer(vocab, special)
	if err != nil {
		return nil, err
	}
	m, err := llama.New(path, llama.SetContext(ctxSize))
	if err != nil {
		return nil, err
	}
	return &llamaTokenizer{vocabTokenizer: base.(*vocabTokenizer), model: m}, nil
}

func (t *llamaTokenizer) Encode(text string) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ids, err := t.model.TokenizeString(text)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		if int(id) >= t.VocabSize() {
			return nil, &PreprocessError{Kind: KindTokenize, Msg: "token id outside manifest vocabulary"}
		}
		out[i] = int(id)
	}
	return out, nil
}

// Close frees the llama.cpp model.
func (t *llamaTokenizer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.model != nil {
		t.model.Free()
		t.model = nil
	}
	return nil
}
