package types

// Model describes a model manifest known to the server.
type Model struct {
	// Stable identifier for the model.
	// example: tiny-text
	ID string `json:"id" example:"tiny-text"`
	// Human-friendly name.
	// example: Tiny text model
	Name string `json:"name,omitempty" example:"Tiny text model"`
	// Optional family (e.g., llama, phi3v).
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
	// Declared variant as modality/precision.
	// example: text/quantized
	Variant string `json:"variant" example:"text/quantized"`
	// Weight quantization scheme for quantized variants.
	// example: q8_0
	Quant string `json:"quant,omitempty" example:"q8_0"`
	// Context window in tokens.
	// example: 2048
	ContextWindow int `json:"context_window" example:"2048"`
	// Path of the manifest on disk.
	// example: /home/user/.config/inferd/models/tiny.yaml
	Path string `json:"path,omitempty" example:"/home/user/.config/inferd/models/tiny.yaml"`
	// Adapter names the model can attach.
	Adapters []string `json:"adapters,omitempty"`
	// Draft model used for speculative decoding, if any.
	// example: tiny-draft
	Draft string `json:"draft,omitempty" example:"tiny-draft"`
	// Whether the model is the one being served.
	// example: true
	Loaded bool `json:"loaded" example:"true"`
}
