package deltabus

import (
	"context"
	"testing"
	"time"
)

func TestAggregateSubscriberReceivesPublishedDelta(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.SubscribeAggregate(ctx, 4)
	bus.PublishAggregate(Delta{RegionID: "r1", NewPixels: 3, EventTimeSec: 100})

	select {
	case d := <-sub:
		if d.NewPixels != 3 {
			t.Fatalf("NewPixels = %d, want 3", d.NewPixels)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aggregate delta")
	}
}

func TestZeroDeltaNotPublished(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.SubscribeAggregate(ctx, 4)
	bus.PublishAggregate(Delta{RegionID: "r1", NewPixels: 0})
	bus.PublishAggregate(Delta{RegionID: "r1", NewPixels: 1})

	select {
	case d := <-sub:
		if d.NewPixels != 1 {
			t.Fatalf("expected only the non-zero delta to arrive, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delta")
	}
}

func TestFineAndAggregateAreIndependentTopics(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fine := bus.SubscribeFine(ctx, 4)
	aggregate := bus.SubscribeAggregate(ctx, 4)

	bus.PublishFine(Delta{NewPixels: 1})

	select {
	case <-fine:
	case <-time.After(time.Second):
		t.Fatal("fine subscriber did not receive the fine-grained delta")
	}

	select {
	case d := <-aggregate:
		t.Fatalf("aggregate subscriber should not receive fine-grained deltas, got %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())

	sub := bus.SubscribeAggregate(ctx, 4)
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected channel to close after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
