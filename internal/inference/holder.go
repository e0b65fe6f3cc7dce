package inference

import (
	"sync/atomic"

	"microgrid-analytics/internal/metrics"
)

// Holder publishes the current engine to concurrent readers. A reload swaps
// the pointer; in-flight calls finish on the engine they started with.
type Holder struct {
	p atomic.Pointer[Engine]
}

func NewHolder(e *Engine) *Holder {
	h := &Holder{}
	h.Store(e)
	return h
}

// Engine returns the current engine, or nil before the first successful load.
func (h *Holder) Engine() *Engine {
	return h.p.Load()
}

func (h *Holder) Store(e *Engine) {
	h.p.Store(e)
	if e != nil {
		metrics.ModelsLoaded.Set(1)
	} else {
		metrics.ModelsLoaded.Set(0)
	}
}
