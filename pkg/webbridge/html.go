package webbridge

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// HTMLRenderer turns agent markdown into sanitized HTML for web clients.
type HTMLRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
	}
}

// Render returns sanitized HTML. Conversion failures fall back to the
// escaped plain text.
func (r *HTMLRenderer) Render(text string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return r.policy.Sanitize(text)
	}
	return string(r.policy.SanitizeBytes(buf.Bytes()))
}
