package chunk

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Supported content types for ingest.
const (
	ContentTypePlain    = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypeHTML     = "text/html"
)

var (
	mdCodeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?")
	mdHeaderPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdLinkPattern      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImagePattern     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdEmphasisPattern  = regexp.MustCompile(`(\*{1,3}|_{1,3}|~~)([^*_~]+)(\*{1,3}|_{1,3}|~~)`)

	htmlTagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlScriptPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlBlockPattern  = regexp.MustCompile(`(?is)</(p|div|section|article|li|tr|h[1-6])>|<br\s*/?>`)
)

// ResolveText converts raw document bytes to plain text according to
// the declared content type. Markdown and HTML are reduced to their
// textual content; richer format parsing happens upstream.
func ResolveText(contentType string, raw []byte) (string, error) {
	// Parameters like "text/plain; charset=utf-8" are accepted.
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	if contentType == "" {
		contentType = ContentTypePlain
	}

	switch contentType {
	case ContentTypePlain:
		return string(raw), nil
	case ContentTypeMarkdown:
		return stripMarkdown(string(raw)), nil
	case ContentTypeHTML:
		return stripHTML(string(raw)), nil
	default:
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

// stripMarkdown removes markdown syntax, keeping the readable text.
func stripMarkdown(text string) string {
	text = mdImagePattern.ReplaceAllString(text, "$1")
	text = mdLinkPattern.ReplaceAllString(text, "$1")
	text = mdCodeFencePattern.ReplaceAllString(text, "")
	text = mdHeaderPattern.ReplaceAllString(text, "")
	text = mdEmphasisPattern.ReplaceAllString(text, "$2")
	text = strings.ReplaceAll(text, "`", "")
	return strings.TrimSpace(text)
}

// stripHTML removes tags and unescapes entities. Block-level closers
// become paragraph breaks so downstream chunking sees structure.
func stripHTML(text string) string {
	text = htmlScriptPattern.ReplaceAllString(text, " ")
	text = htmlBlockPattern.ReplaceAllString(text, "\n\n")
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)

	// Collapse intra-line whitespace while keeping paragraph breaks.
	paragraphs := strings.Split(text, "\n\n")
	cleaned := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if joined := strings.Join(strings.Fields(p), " "); joined != "" {
			cleaned = append(cleaned, joined)
		}
	}
	return strings.Join(cleaned, "\n\n")
}
