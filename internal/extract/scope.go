package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"
)

// Input formats handed to the LLM.
const (
	FormatHTML = "html"
	FormatText = "text"
)

// Selector scopes a document to the elements matched by a CSS selector.
type Selector struct {
	css    string
	format string
}

// NewSelector builds a Selector. An empty css selects the whole <body>.
func NewSelector(css, format string) (*Selector, error) {
	switch format {
	case "", FormatHTML:
		format = FormatHTML
	case FormatText:
	default:
		return nil, eris.Errorf("unknown input format %q", format)
	}
	css = strings.TrimSpace(css)
	if css == "" {
		css = "body"
	}
	if _, err := cascadia.Compile(css); err != nil {
		return nil, eris.Wrapf(err, "invalid css selector %q", css)
	}
	return &Selector{css: css, format: format}, nil
}

// Scope returns one fragment per matched element: its outer HTML, or its
// whitespace-collapsed text when the format is text. Empty fragments are skipped.
func (s *Selector) Scope(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "parse document")
	}
	var (
		fragments []string
		scopeErr  error
	)
	doc.Find(s.css).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		fragment, err := s.render(sel)
		if err != nil {
			scopeErr = err
			return false
		}
		if fragment != "" {
			fragments = append(fragments, fragment)
		}
		return true
	})
	if scopeErr != nil {
		return nil, scopeErr
	}
	return fragments, nil
}

func (s *Selector) render(sel *goquery.Selection) (string, error) {
	if s.format == FormatText {
		return strings.Join(strings.Fields(sel.Text()), " "), nil
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", eris.Wrap(err, "render fragment")
	}
	return strings.TrimSpace(html), nil
}
