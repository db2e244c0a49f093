package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const pageTimeout = 10 * time.Second

// HTMLPath is the rendered snapshot artifact for a session id.
func HTMLPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.html", id))
}

// ImagePath is the screenshot artifact for a session id.
func ImagePath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.png", id))
}

var ansiPattern = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// StripANSI removes escape sequences so the plain-text fallback is readable
// in the chat view.
func StripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// WriteHTML writes the xterm.js snapshot for a session and returns its path.
func WriteHTML(dir string, id int, title, output string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	path := HTMLPath(dir, id)
	doc := fmt.Sprintf(htmlTemplate, htmlEscape(title), jsEscape(output))
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		return "", fmt.Errorf("write html artifact: %w", err)
	}
	return path, nil
}

// Pipeline turns a session's accumulated text into a viewer-appropriate
// snapshot: an xterm.js HTML artifact, and when the headless browser is
// available, a screenshot plus the terminal's own text extraction. Every
// failure degrades to ANSI-stripped plain text with no image.
type Pipeline struct {
	scratchDir string
	enabled    atomic.Bool

	mu      sync.Mutex
	browser *rod.Browser
}

func NewPipeline(scratchDir string, enabled bool) *Pipeline {
	p := &Pipeline{scratchDir: scratchDir}
	p.enabled.Store(enabled)
	return p
}

func (p *Pipeline) SetEnabled(on bool) { p.enabled.Store(on) }
func (p *Pipeline) Enabled() bool      { return p.enabled.Load() }

// Connect launches the headless browser. The pipeline stays usable without
// it; callers decide whether a connect failure is worth reporting.
func (p *Pipeline) Connect() error {
	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	p.mu.Lock()
	p.browser = browser
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) Close() {
	p.mu.Lock()
	browser := p.browser
	p.browser = nil
	p.mu.Unlock()
	if browser != nil {
		_ = browser.Close()
	}
}

// Render produces (text, imagePath) for one push. imagePath is empty when
// the browser capture is unavailable or fails.
func (p *Pipeline) Render(ctx context.Context, id int, title, fullOutput string) (string, string) {
	plain := StripANSI(fullOutput)

	htmlPath, err := WriteHTML(p.scratchDir, id, title, fullOutput)
	if err != nil {
		logErr("write html", err)
		return plain, ""
	}

	p.mu.Lock()
	browser := p.browser
	p.mu.Unlock()
	if browser == nil || !p.enabled.Load() {
		return plain, ""
	}

	text, imagePath, err := p.capture(ctx, browser, htmlPath, id)
	if err != nil {
		logErr(fmt.Sprintf("browser capture for %d", id), err)
		return plain, ""
	}
	if text == "" {
		text = plain
	}
	return text, imagePath
}

func (p *Pipeline) capture(ctx context.Context, browser *rod.Browser, htmlPath string, id int) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "file://" + htmlPath})
	if err != nil {
		return "", "", fmt.Errorf("open page: %w", err)
	}
	page = page.Context(ctx)
	defer func() { _ = page.Close() }()

	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("wait load: %w", err)
	}

	data, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", "", fmt.Errorf("screenshot: %w", err)
	}
	imagePath := ImagePath(p.scratchDir, id)
	if err := os.WriteFile(imagePath, data, 0o600); err != nil {
		return "", "", fmt.Errorf("write screenshot: %w", err)
	}

	obj, err := page.Eval(`() => { term.selectAll(); return term.getSelection(); }`)
	if err != nil {
		return "", "", fmt.Errorf("extract selection: %w", err)
	}
	return StripANSI(obj.Value.Str()), imagePath, nil
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// jsEscape makes output safe inside a JS template literal.
func jsEscape(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`", "${", "\\${")
	return r.Replace(s)
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termgramd: render: %s: %v\n", scope, err)
}

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>%s</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/xterm@5.3.0/css/xterm.css">
  <script src="https://cdn.jsdelivr.net/npm/xterm@5.3.0/lib/xterm.js"></script>
  <style>body { margin: 0; background: #000; }</style>
</head>
<body>
  <div id="terminal"></div>
  <script>
    var term = new Terminal({ cols: 120, rows: 40, convertEol: true });
    term.open(document.getElementById('terminal'));
    term.write(` + "`%s`" + `);
  </script>
</body>
</html>
`
