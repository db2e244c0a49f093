package render

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	cases := []struct{ in, want string }{
		{"\x1b[31mred\x1b[0m", "red"},
		{"plain", "plain"},
		{"line\r\nnext", "line\nnext"},
		{"\x1b]0;title\x07body", "body"},
		{"a\x1b[2Jb", "ab"},
	}
	for _, c := range cases {
		if got := StripANSI(c.in); got != c.want {
			t.Fatalf("StripANSI(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWriteHTMLEscapesOutput(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteHTML(dir, 7, "7 -> echo <hi>", "tick ` and ${expr} and back\\slash")
	if err != nil {
		t.Fatalf("write html: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doc := string(raw)
	if !strings.Contains(doc, "&lt;hi&gt;") {
		t.Fatal("title must be html-escaped")
	}
	if !strings.Contains(doc, "\\`") || !strings.Contains(doc, "\\${") || !strings.Contains(doc, "back\\\\slash") {
		t.Fatalf("output not escaped for the template literal: %s", doc)
	}
	if path != HTMLPath(dir, 7) {
		t.Fatalf("artifact path %q, want %q", path, HTMLPath(dir, 7))
	}
}

func TestRenderWithoutBrowserDegradesToPlainText(t *testing.T) {
	p := NewPipeline(t.TempDir(), true)
	text, imagePath := p.Render(context.Background(), 3, "3 -> ls", "\x1b[32mok\x1b[0m\n")
	if text != "ok\n" {
		t.Fatalf("text = %q, want stripped plain text", text)
	}
	if imagePath != "" {
		t.Fatalf("imagePath = %q, want empty without browser", imagePath)
	}
	if _, err := os.Stat(HTMLPath(p.scratchDir, 3)); err != nil {
		t.Fatalf("html artifact missing: %v", err)
	}
}

func TestRenderDisabledSkipsCapture(t *testing.T) {
	p := NewPipeline(t.TempDir(), false)
	if p.Enabled() {
		t.Fatal("pipeline should start disabled")
	}
	text, imagePath := p.Render(context.Background(), 4, "4 -> ls", "hello")
	if text != "hello" || imagePath != "" {
		t.Fatalf("Render = (%q, %q)", text, imagePath)
	}
	p.SetEnabled(true)
	if !p.Enabled() {
		t.Fatal("toggle lost")
	}
}
