// Package render turns markdown source into a self-contained preview page.
//
// A Renderer holds no per-document state: Render is a pure function of its
// arguments and is safe for concurrent use.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed theme/*
var themeFS embed.FS

// Options configures a Renderer.
type Options struct {
	// Style is a chroma style name used for fenced code blocks.
	Style string
	// HardWraps renders single newlines as <br>.
	HardWraps bool
	// PollInterval is baked into the page's reload script.
	PollInterval time.Duration
}

// Renderer turns markdown sources into complete preview pages. It is safe
// for concurrent use.
type Renderer struct {
	md           goldmark.Markdown
	page         *template.Template
	previewCSS   template.CSS
	chromaCSS    template.CSS
	reloadJS     template.JS
	pollInterval time.Duration
}

type pageData struct {
	Title          string
	Content        template.HTML
	PreviewCSS     template.CSS
	ChromaCSS      template.CSS
	ReloadJS       template.JS
	Revision       int64
	PollIntervalMS int64
}

// New loads the embedded theme and builds the goldmark pipeline.
func New(opts Options) (*Renderer, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Style == "" {
		opts.Style = "github"
	}

	pageHTML, err := themeFS.ReadFile("theme/page.html")
	if err != nil {
		return nil, fmt.Errorf("load page template: %w", err)
	}
	page, err := template.New("page").Parse(string(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("parse page template: %w", err)
	}

	cssData, err := themeFS.ReadFile("theme/preview.css")
	if err != nil {
		return nil, fmt.Errorf("load preview CSS: %w", err)
	}
	jsData, err := themeFS.ReadFile("theme/reload.js")
	if err != nil {
		return nil, fmt.Errorf("load reload JS: %w", err)
	}

	var chromaCSS bytes.Buffer
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(&chromaCSS, styles.Get(opts.Style)); err != nil {
		return nil, fmt.Errorf("generate highlight CSS: %w", err)
	}

	return &Renderer{
		md:           newMarkdown(opts),
		page:         page,
		previewCSS:   template.CSS(cssData),
		chromaCSS:    template.CSS(chromaCSS.String()),
		reloadJS:     template.JS(jsData),
		pollInterval: opts.PollInterval,
	}, nil
}

// newMarkdown creates a configured goldmark renderer
func newMarkdown(opts Options) goldmark.Markdown {
	htmlOpts := []renderer.Option{html.WithUnsafe()}
	if opts.HardWraps {
		htmlOpts = append(htmlOpts, html.WithHardWraps())
	}
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			highlighting.NewHighlighting(
				highlighting.WithStyle(opts.Style),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(htmlOpts...),
	)
}

// Body converts markdown to an HTML fragment without the page chrome.
func (r *Renderer) Body(source []byte) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert(source, &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return buf.String(), nil
}

// Render produces a complete HTML document for source. The revision is
// embedded so the reload script starts from the revision it was served with.
func (r *Renderer) Render(source []byte, title string, revision int64) (string, error) {
	body, err := r.Body(source)
	if err != nil {
		return "", err
	}

	data := pageData{
		Title:          title,
		Content:        template.HTML(body),
		PreviewCSS:     r.previewCSS,
		ChromaCSS:      r.chromaCSS,
		ReloadJS:       r.reloadJS,
		Revision:       revision,
		PollIntervalMS: r.pollInterval.Milliseconds(),
	}

	var buf bytes.Buffer
	if err := r.page.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute page template: %w", err)
	}
	return buf.String(), nil
}
