package signal

import (
	"log/slog"
	"slices"
	"sync"
)

// Plugin is one consumer of the bus. Its queue is unbounded and drained by
// the plugin's own goroutine after a wake.
type Plugin struct {
	name string
	mask Kind

	mu    sync.Mutex
	queue []Signal
	wake  chan struct{}
	gone  bool
}

func (p *Plugin) Name() string {
	return p.name
}

func (p *Plugin) Mask() Kind {
	return p.mask
}

// Wake is readable whenever signals may be queued. Wakes coalesce; always
// drain after receiving from it.
func (p *Plugin) Wake() <-chan struct{} {
	return p.wake
}

// Pop removes the oldest queued signal.
func (p *Plugin) Pop() (Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Signal{}, false
	}
	s := p.queue[0]
	p.queue[0] = Signal{}
	p.queue = p.queue[1:]
	return s, true
}

// Drain removes and returns every queued signal in order.
func (p *Plugin) Drain() []Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

func (p *Plugin) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Plugin) deliver(s Signal) bool {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, s)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

type Bus struct {
	mu      sync.RWMutex
	plugins []*Plugin
}

func NewBus() *Bus {
	return &Bus{}
}

// Register adds a consumer for every kind in mask.
func (b *Bus) Register(name string, mask Kind) *Plugin {
	p := &Plugin{
		name: name,
		mask: mask,
		wake: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.plugins = append(b.plugins, p)
	b.mu.Unlock()
	slog.Debug("plugin registered", "plugin", name, "mask", uint32(mask))
	return p
}

// Unregister stops delivery to p and discards what it had queued.
func (b *Bus) Unregister(p *Plugin) {
	b.mu.Lock()
	b.plugins = slices.DeleteFunc(b.plugins, func(q *Plugin) bool { return q == p })
	b.mu.Unlock()

	p.mu.Lock()
	p.gone = true
	p.queue = nil
	p.mu.Unlock()
	slog.Debug("plugin unregistered", "plugin", p.name)
}

// Push queues a copy of s for every matching plugin and returns how many
// received it.
func (b *Bus) Push(s Signal) int {
	b.mu.RLock()
	targets := make([]*Plugin, 0, len(b.plugins))
	for _, p := range b.plugins {
		if p.mask&s.Kind != 0 {
			targets = append(targets, p)
		}
	}
	b.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if p.deliver(s.clone()) {
			n++
		}
	}
	return n
}

func (b *Bus) Plugins() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.plugins))
	for i, p := range b.plugins {
		names[i] = p.name
	}
	return names
}
