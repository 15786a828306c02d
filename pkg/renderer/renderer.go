// Package renderer defines the Renderer Contract: the narrow interface
// the Engine Controller publishes pixel-span and enable/disable state
// through, plus the pure LOD dedup function the UI layer (outside this
// engine's scope, per spec.md §1) calls when drawing at a coarse zoom
// (spec.md §4.9).
package renderer

import (
	"context"

	"street-exploration-engine/pkg/healpix"
)

// Span summarises the renderable pixel state for one region: total and
// explored pixel counts plus the fraction complete. It does not carry the
// PixelRecords themselves or their pixel-ids.
type Span struct {
	RegionID         string
	TotalPixels      int
	ExploredPixels   int
	ExploredFraction float64
}

// Event is one state change the Engine Controller pushes to renderer
// subscribers.
type Event struct {
	Span    *Span // set for a span update; nil otherwise
	Enabled *bool // set for an enable/disable change; nil otherwise
	Invalid bool  // set when the renderer should discard any cached span
}

// Contract is the narrow surface the Engine Controller depends on to
// reach a renderer, kept as an interface so tests (and alternative UI
// backends) can supply a fake.
type Contract interface {
	PublishSpan(span Span)
	SetEnabled(enabled bool)
	Invalidate()
}

// Bus fans Engine Controller state changes out to renderer subscribers
// without locks, in the same dedicated-broadcaster-goroutine shape as
// deltabus.Bus.
type Bus struct {
	publish     chan Event
	subscribe   chan chan Event
	unsubscribe chan chan Event
}

// NewBus starts a Bus's broadcaster goroutine.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Event, buffer),
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
	}
	go b.run()
	return b
}

// PublishSpan implements Contract.
func (b *Bus) PublishSpan(span Span) {
	s := span
	b.send(Event{Span: &s})
}

// SetEnabled implements Contract.
func (b *Bus) SetEnabled(enabled bool) {
	e := enabled
	b.send(Event{Enabled: &e})
}

// Invalidate implements Contract.
func (b *Bus) Invalidate() {
	b.send(Event{Invalid: true})
}

func (b *Bus) send(ev Event) {
	select {
	case b.publish <- ev:
	default:
	}
}

// Subscribe registers interest in renderer events; the channel closes
// when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribe <- ch

	go func() {
		<-ctx.Done()
		b.unsubscribe <- ch
	}()

	return ch
}

func (b *Bus) run() {
	subs := make(map[chan Event]struct{})
	for {
		select {
		case ev := <-b.publish:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
				}
			}
		case ch := <-b.subscribe:
			subs[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
		}
	}
}

// DedupLOD collapses a list of pixel-ids to their ancestor pixels at
// zoom z using healpix.Parent, and removes duplicate ancestors, so a
// renderer drawing at zoom<14 paints one tile per coarse pixel instead
// of up to 4^(15-z) redundant fine pixels stacked on top of each other
// (spec.md §4.9). z above 15 is returned unchanged since there is no
// coarser ancestor to collapse to.
func DedupLOD(pixelIDs []int64, z int) []int64 {
	if z >= 15 {
		out := make([]int64, len(pixelIDs))
		copy(out, pixelIDs)
		return out
	}

	seen := make(map[int64]struct{}, len(pixelIDs))
	out := make([]int64, 0, len(pixelIDs))
	for _, id := range pixelIDs {
		parent := healpix.Parent(id, z)
		if _, ok := seen[parent]; ok {
			continue
		}
		seen[parent] = struct{}{}
		out = append(out, parent)
	}
	return out
}
