package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// ErrRendererDisabled is reported when headless rendering is turned off.
var ErrRendererDisabled = errors.New("renderer disabled")

// Disabled implements crawler.Renderer but never renders, so the retrieval
// tier still gets a structured failure when headless browsing is off.
type Disabled struct{}

// NewDisabled creates a new Disabled renderer.
func NewDisabled() Disabled {
	return Disabled{}
}

// Render always fails with ErrRendererDisabled.
func (Disabled) Render(_ context.Context, url string, _ crawler.RenderOptions) crawler.BrowserRenderResult {
	return crawler.BrowserRenderResult{
		URL:   url,
		Err:   ErrRendererDisabled,
		Error: ErrRendererDisabled.Error(),
	}
}

// Close is a no-op.
func (Disabled) Close() error { return nil }
