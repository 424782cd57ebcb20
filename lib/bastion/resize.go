package bastion

import "sync"

// resizeHub relays window-change events observed on the downstream
// session channel to whatever is currently bridging it upstream. It
// exists because the downstream request loop (component D) starts
// servicing window-change before the upstream channel has been dialed
// and configured (component F) -- the handler is wired in once the
// bridge (component G) starts relaying a shell session (spec.md §4.G,
// "Window-change... relayed... while a shell bridge is active").
type resizeHub struct {
	mu sync.Mutex
	fn func(columns, rows uint32) error
}

// SetHandler installs (or clears, with nil) the function invoked on
// window-change. Only meaningful for shell-mode sessions.
func (h *resizeHub) SetHandler(fn func(columns, rows uint32) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

// Resize invokes the current handler, if any, discarding its error: a
// failed resize relay is cosmetic and must not tear down the bridge.
func (h *resizeHub) Resize(columns, rows uint32) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		_ = fn(columns, rows)
	}
}
