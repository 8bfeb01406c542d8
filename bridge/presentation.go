package bridge

import (
	"context"
	"sync"

	"github.com/code-payments/purchase-bridge/billing"
)

type presentationKey struct{}

// WithPresentation returns a context whose calls launch purchase flows from p.
func WithPresentation(ctx context.Context, p billing.Presentation) context.Context {
	return context.WithValue(ctx, presentationKey{}, p)
}

// PresentationFrom returns the presentation carried by ctx, if any.
func PresentationFrom(ctx context.Context) (billing.Presentation, bool) {
	p, ok := ctx.Value(presentationKey{}).(billing.Presentation)
	return p, ok && p != nil
}

// PresentationHolder tracks the live UI contexts purchase flows can be
// launched from. It serves callers that do not carry their own presentation,
// which get the most recently attached one still live. A context may come and
// go at any time; its absence is reported to callers rather than treated as a
// fault.
type PresentationHolder struct {
	mu   sync.RWMutex
	live []billing.Presentation
}

func NewPresentationHolder() *PresentationHolder {
	return &PresentationHolder{}
}

// Attach makes p the current presentation. Attaching a live presentation
// again moves it to the top.
func (h *PresentationHolder) Attach(p billing.Presentation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(p.PresentationID())
	h.live = append(h.live, p)
}

// Detach removes p. The previously attached presentation, if still live,
// becomes current again.
func (h *PresentationHolder) Detach(p billing.Presentation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(p.PresentationID())
}

func (h *PresentationHolder) Presentation() (billing.Presentation, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.live) == 0 {
		return nil, false
	}
	return h.live[len(h.live)-1], true
}

func (h *PresentationHolder) removeLocked(id string) {
	for i, p := range h.live {
		if p.PresentationID() == id {
			h.live = append(h.live[:i], h.live[i+1:]...)
			return
		}
	}
}
