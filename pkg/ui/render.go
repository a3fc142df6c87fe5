package ui

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"
)

// Renderer renders agent markdown for the terminal and caches the result of
// finished turns by id.
type Renderer struct {
	mu    sync.Mutex
	width int
	style string
	term  *glamour.TermRenderer
	cache map[string]string
}

// DetectStyle picks the glamour style matching the terminal background.
func DetectStyle() string {
	if termenv.HasDarkBackground() {
		return "dark"
	}
	return "light"
}

func NewRenderer(style string, width int) *Renderer {
	if style == "" {
		style = "dark"
	}
	return &Renderer{style: style, width: width, cache: map[string]string{}}
}

// SetWidth drops the cache when the wrap width changes.
func (r *Renderer) SetWidth(width int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if width == r.width {
		return
	}
	r.width = width
	r.term = nil
	r.cache = map[string]string{}
}

func (r *Renderer) termRenderer() (*glamour.TermRenderer, error) {
	if r.term != nil {
		return r.term, nil
	}
	opts := []glamour.TermRendererOption{glamour.WithStandardStyle(r.style)}
	if r.width > 0 {
		opts = append(opts, glamour.WithWordWrap(r.width))
	} else {
		opts = append(opts, glamour.WithWordWrap(0))
	}
	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, err
	}
	r.term = tr
	return tr, nil
}

// Render renders text. key, when set, caches the output.
func (r *Renderer) Render(key, text string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key != "" {
		if out, ok := r.cache[key]; ok {
			return out
		}
	}
	tr, err := r.termRenderer()
	if err != nil {
		log.Debug().Err(err).Str("component", "ui").Msg("glamour renderer unavailable")
		return text
	}
	out, err := tr.Render(text)
	if err != nil {
		return text
	}
	out = strings.Trim(out, "\n")
	if key != "" {
		r.cache[key] = out
	}
	return out
}
