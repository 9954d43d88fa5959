package pipeline

import (
	"strings"
	"text/template"
)

// DefaultChatTemplate concatenates turns, putting a placeholder in front of
// the text for each attached image the content does not already mark.
const DefaultChatTemplate = `{{- range .Messages}}{{.Placeholders}}{{.Content}}{{end -}}`

type templateMessage struct {
	Role         string
	Content      string
	Images       int
	Placeholders string
}

type templateData struct {
	Messages   []templateMessage
	BOS        string
	EOS        string
	ImageToken string
}

// chatTemplate renders message lists to prompt text.
type chatTemplate struct {
	tmpl       *template.Template
	bos, eos   string
	imageToken string
}

func newChatTemplate(src, bos, eos, imageToken string) (*chatTemplate, error) {
	if strings.TrimSpace(src) == "" {
		src = DefaultChatTemplate
	}
	t, err := template.New("chat").Option("missingkey=error").Funcs(template.FuncMap{
		"trim":  strings.TrimSpace,
		"title": func(s string) string { return strings.ToUpper(s[:min(1, len(s))]) + s[min(1, len(s)):] },
	}).Parse(src)
	if err != nil {
		return nil, err
	}
	return &chatTemplate{tmpl: t, bos: bos, eos: eos, imageToken: imageToken}, nil
}

func (c *chatTemplate) render(msgs []Message) (string, error) {
	data := templateData{BOS: c.bos, EOS: c.eos, ImageToken: c.imageToken}
	for _, m := range msgs {
		data.Messages = append(data.Messages, templateMessage{
			Role:         m.Role,
			Content:      m.Content,
			Images:       len(m.Images),
			Placeholders: c.missingPlaceholders(m),
		})
	}
	var sb strings.Builder
	if err := c.tmpl.Execute(&sb, data); err != nil {
		return "", preprocessErrorf(KindTemplate, "%v", err)
	}
	return sb.String(), nil
}

// missingPlaceholders returns one image token for every image of m that its
// content does not reference itself.
func (c *chatTemplate) missingPlaceholders(m Message) string {
	if c.imageToken == "" {
		return ""
	}
	n := len(m.Images) - strings.Count(m.Content, c.imageToken)
	return strings.Repeat(c.imageToken, max(0, n))
}
