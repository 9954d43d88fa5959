//go:build !llama

package pipeline

// llamaBuilt indicates this binary was compiled with llama.cpp support.
var llamaBuilt = false

// NewLlamaTokenizer fails fast: the llama.cpp runtime is not linked into
// builds without the 'llama' tag.
func NewLlamaTokenizer(path string, ctxSize int, vocab, special []string) (Tokenizer, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
