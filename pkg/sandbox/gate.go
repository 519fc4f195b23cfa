package sandbox

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/polisai/polis-deploy/pkg/domain"
)

// gate is the immediate-reject admission counter. It also tracks the runtime of
// every admitted execution so shutdown can interrupt them.
type gate struct {
	mu       sync.Mutex
	inFlight int
	nextID   uint64
	active   map[uint64]*goja.Runtime
}

func newGate() *gate {
	return &gate{active: make(map[uint64]*goja.Runtime)}
}

func (g *gate) acquire(limit int, vm *goja.Runtime) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight >= limit {
		return 0, &domain.AdmissionRejectedError{InFlight: g.inFlight, Limit: limit}
	}
	g.inFlight++
	g.nextID++
	g.active[g.nextID] = vm
	return g.nextID, nil
}

// release frees the slot and clears any interrupt that reached the runtime
// after its run finished.
func (g *gate) release(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	vm, ok := g.active[id]
	if !ok {
		return
	}
	vm.ClearInterrupt()
	delete(g.active, id)
	g.inFlight--
}

func (g *gate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// interruptAll interrupts every admitted runtime and returns how many were signalled.
func (g *gate) interruptAll(reason any) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, vm := range g.active {
		vm.Interrupt(reason)
		n++
	}
	return n
}
