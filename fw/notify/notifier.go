package notify

import (
	"sync"
)

// Kind is one UI notification channel. Alerts are separate from ordinary
// changes because the UI highlights them differently.
type Kind uint8

const (
	AppAlerted Kind = iota
	AppChanged
	AppUpdated

	kindCount
)

func (k Kind) String() string {
	switch k {
	case AppAlerted:
		return "appAlerted"
	case AppChanged:
		return "appChanged"
	case AppUpdated:
		return "appUpdated"
	default:
		return "unknown"
	}
}

// Notifier coalesces notifications: mutation handlers enqueue kinds, and a
// flush at the end of the mutation batch emits at most one event per kind.
// A purge deleting dozens of rules still costs the UI one refresh.
type Notifier struct {
	mu      sync.Mutex
	pending [kindCount]bool
	sinks   []func(Kind)
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a sink. Sinks run on the flushing goroutine and must
// not block.
func (n *Notifier) Subscribe(fn func(Kind)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, fn)
}

func (n *Notifier) Enqueue(k Kind) {
	if k >= kindCount {
		return
	}
	n.mu.Lock()
	n.pending[k] = true
	n.mu.Unlock()
}

// Flush emits the pending kinds, deduplicated, in declaration order.
func (n *Notifier) Flush() {
	n.mu.Lock()
	var fire [kindCount]bool
	any := false
	for k := Kind(0); k < kindCount; k++ {
		if n.pending[k] {
			fire[k] = true
			n.pending[k] = false
			any = true
		}
	}
	sinks := n.sinks
	n.mu.Unlock()

	if !any {
		return
	}
	for k := Kind(0); k < kindCount; k++ {
		if !fire[k] {
			continue
		}
		for _, fn := range sinks {
			fn(k)
		}
	}
}
