package pipeline

import "testing"

func TestChatTemplateRendersRolesAndPlaceholders(t *testing.T) {
	ct, err := newChatTemplate(`{{.BOS}}{{range .Messages}}[{{title .Role}}]{{.Placeholders}}{{trim .Content}}{{end}}`, "<s>", "</s>", "<image>")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := ct.render([]Message{
		{Role: "user", Content: " hi ", Images: []Image{{}, {}}},
		{Role: "assistant", Content: "ok"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "<s>[User]<image><image>hi[Assistant]ok"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestChatTemplateCountsInlinePlaceholders(t *testing.T) {
	ct, err := newChatTemplate("", "", "", "<image>")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cases := []struct {
		content string
		images  int
		want    string
	}{
		{"<image>hi", 1, "<image>hi"},
		{"a<image>b", 2, "<image>a<image>b"},
		{"<image><image>", 1, "<image><image>"},
		{"hi", 0, "hi"},
	}
	for _, c := range cases {
		got, err := ct.render([]Message{{Role: "user", Content: c.content, Images: make([]Image, c.images)}})
		if err != nil {
			t.Fatalf("render %q: %v", c.content, err)
		}
		if got != c.want {
			t.Fatalf("render(%q, %d images) = %q, want %q", c.content, c.images, got, c.want)
		}
	}
}

func TestChatTemplateErrors(t *testing.T) {
	if _, err := newChatTemplate(`{{range}}`, "", "", ""); err == nil {
		t.Fatalf("expected parse error")
	}
	ct, _ := newChatTemplate(`{{.Missing}}`, "", "", "")
	if _, err := ct.render(nil); !IsPreprocessError(err) {
		t.Fatalf("want preprocess error, got %v", err)
	}
}
