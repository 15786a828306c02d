// Package deltabus fans out ExplorationDelta events without locks, the
// same channel-broadcaster idiom pkg/markerstream uses for
// marker fan-out, generalized from a single zoom-keyed topic to two
// distinct topics: an aggregate topic (one ExplorationDelta per producer
// call, e.g. per GPS fix or per track) and a fine-grained topic (one
// ExplorationDelta{newPixels:1} per individual pixel transition).
//
// spec.md §9 flags the GPS Processor's original design as emitting both a
// per-pixel delta and a final aggregate delta onto the same path, which
// would double-count stats. This package resolves that by giving the two
// emissions separate topics: the Stats Service subscribes only to
// Aggregate, while Fine remains available for listeners that want
// per-pixel granularity (e.g. tuning haptic feedback) without touching the
// stats count.
package deltabus

import "context"

// Delta is the message produced by a pixel transition and consumed by the
// Stats Service (spec.md §3 glossary entry "ExplorationDelta").
type Delta struct {
	RegionID     string
	NewPixels    int
	EventTimeSec int64
}

// Bus fans out Delta events on two independent topics.
type Bus struct {
	publishAggregate   chan Delta
	publishFine        chan Delta
	subscribeAggregate chan chan Delta
	subscribeFine      chan chan Delta
	unsubscribe        chan chan Delta
}

// NewBus constructs a broadcaster dedicated to ExplorationDelta fan-out.
// The goroutine never stops; it is tied to the process lifetime and relies
// on caller contexts to prune subscribers, matching pkg/markerstream's Bus.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publishAggregate:   make(chan Delta, buffer),
		publishFine:        make(chan Delta, buffer),
		subscribeAggregate: make(chan chan Delta),
		subscribeFine:      make(chan chan Delta),
		unsubscribe:        make(chan chan Delta),
	}
	go b.run()
	return b
}

// PublishAggregate forwards one aggregate delta to aggregate-topic
// listeners (the Stats Service). A no-op if delta.NewPixels == 0, matching
// spec.md §4.10's "no-op if delta=0".
func (b *Bus) PublishAggregate(d Delta) {
	if d.NewPixels == 0 {
		return
	}
	select {
	case b.publishAggregate <- d:
	default:
	}
}

// PublishFine forwards one per-pixel delta to fine-topic listeners.
func (b *Bus) PublishFine(d Delta) {
	if d.NewPixels == 0 {
		return
	}
	select {
	case b.publishFine <- d:
	default:
	}
}

// SubscribeAggregate registers interest in aggregate deltas. The returned
// channel closes when ctx ends.
func (b *Bus) SubscribeAggregate(ctx context.Context, buffer int) <-chan Delta {
	return b.subscribe(ctx, b.subscribeAggregate, buffer)
}

// SubscribeFine registers interest in fine-grained per-pixel deltas.
func (b *Bus) SubscribeFine(ctx context.Context, buffer int) <-chan Delta {
	return b.subscribe(ctx, b.subscribeFine, buffer)
}

func (b *Bus) subscribe(ctx context.Context, register chan chan Delta, buffer int) <-chan Delta {
	ch := make(chan Delta, buffer)
	register <- ch

	go func() {
		<-ctx.Done()
		b.unsubscribe <- ch
	}()

	return ch
}

func (b *Bus) run() {
	aggregateListeners := make(map[chan Delta]struct{})
	fineListeners := make(map[chan Delta]struct{})

	for {
		select {
		case ch := <-b.subscribeAggregate:
			aggregateListeners[ch] = struct{}{}
		case ch := <-b.subscribeFine:
			fineListeners[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			if _, ok := aggregateListeners[ch]; ok {
				delete(aggregateListeners, ch)
				close(ch)
			}
			if _, ok := fineListeners[ch]; ok {
				delete(fineListeners, ch)
				close(ch)
			}
		case d := <-b.publishAggregate:
			for ch := range aggregateListeners {
				select {
				case ch <- d:
				default:
				}
			}
		case d := <-b.publishFine:
			for ch := range fineListeners {
				select {
				case ch <- d:
				default:
				}
			}
		}
	}
}
