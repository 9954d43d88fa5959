// Package registry reads model manifests from disk. A manifest is a
// YAML, JSON or TOML file holding a pipeline.Config plus serving metadata.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/internal/pipeline"
	"inferd/pkg/types"
)

// Manifest describes one model on disk.
type Manifest struct {
	pipeline.Config `yaml:",inline"`

	Name string `yaml:"name" json:"name" toml:"name"`
	// Draft names the draft model for speculative decoding: either another
	// manifest's id or a manifest path relative to this file.
	Draft string `yaml:"draft" json:"draft" toml:"draft"`
	// CacheRows overrides the KV pool size for this model.
	CacheRows int `yaml:"cache_rows" json:"cache_rows" toml:"cache_rows"`

	Path string `yaml:"-" json:"-" toml:"-"`
}

// Load reads and validates a single manifest.
func Load(path string) (Manifest, error) {
	var m Manifest
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return m, err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return m, fmt.Errorf("abs path: %w", err)
	}
	if err := fsutil.DecodeFile(abs, &m); err != nil {
		return m, err
	}
	m.Path = abs
	if m.ID == "" {
		m.ID = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.TokenizerPath != "" && !filepath.IsAbs(m.TokenizerPath) {
		m.TokenizerPath = filepath.Join(filepath.Dir(abs), m.TokenizerPath)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}
	return m, nil
}

// LoadDir scans dir for manifest files. Files with other extensions and
// subdirectories are ignored. The result is sorted by id; duplicate ids
// are an error.
func LoadDir(dir string) ([]Manifest, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var (
		out  []Manifest
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || !fsutil.StructuredExt(e.Name()) {
			continue
		}
		m, err := Load(filepath.Join(base, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Manifest) int { return strings.Compare(a.ID, b.ID) })
	for i := 1; i < len(out); i++ {
		if out[i].ID == out[i-1].ID {
			return nil, fmt.Errorf("duplicate model id %q (%s, %s)", out[i].ID, out[i-1].Path, out[i].Path)
		}
	}
	return out, nil
}

// Find returns the manifest with the given id.
func Find(ms []Manifest, id string) (Manifest, bool) {
	for _, m := range ms {
		if m.ID == id {
			return m, true
		}
	}
	return Manifest{}, false
}

// ResolveDraft returns the draft manifest of m, or nil when m has none.
// Ids are looked up in known; paths are loaded relative to m.
func ResolveDraft(m Manifest, known []Manifest) (*Manifest, error) {
	if m.Draft == "" {
		return nil, nil
	}
	if fsutil.StructuredExt(m.Draft) {
		p := m.Draft
		if !filepath.IsAbs(p) && m.Path != "" {
			p = filepath.Join(filepath.Dir(m.Path), p)
		}
		d, err := Load(p)
		if err != nil {
			return nil, fmt.Errorf("draft of %q: %w", m.ID, err)
		}
		return &d, nil
	}
	d, ok := Find(known, m.Draft)
	if !ok {
		return nil, fmt.Errorf("draft of %q: unknown model %q", m.ID, m.Draft)
	}
	if d.ID == m.ID {
		return nil, fmt.Errorf("model %q cannot draft for itself", m.ID)
	}
	return &d, nil
}

// Open loads the weights of m and builds its pipeline.
func Open(m Manifest, opts pipeline.Options) (pipeline.Pipeline, error) {
	if m.CacheRows > 0 && opts.CacheRows <= 0 {
		opts.CacheRows = m.CacheRows
	}
	h, err := pipeline.Load(m.Config)
	if err != nil {
		return nil, err
	}
	return pipeline.New(h, opts), nil
}

// Model converts m to its API description.
func (m Manifest) Model() types.Model {
	variant, _ := pipeline.ParseVariant(m.Modality, m.Precision)
	out := types.Model{
		ID:            m.ID,
		Name:          m.Name,
		Family:        m.Family,
		Variant:       variant.String(),
		ContextWindow: m.ContextWindow,
		Path:          m.Path,
		Draft:         m.Draft,
	}
	if variant.Precision == pipeline.PrecisionQuantized {
		out.Quant = m.Quant
		if out.Quant == "" {
			out.Quant = pipeline.QuantQ8
		}
	}
	for _, a := range m.Adapters {
		out.Adapters = append(out.Adapters, a.Name)
	}
	return out
}
