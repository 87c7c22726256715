package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 11)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		AccountID:  11,
		EventType:  RealtimeEventBalance,
		PurchaseID: "purchase-a",
		Timestamp:  time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventBalance {
			t.Fatalf("expected event type %s, got %s", RealtimeEventBalance, received.EventType)
		}
		if received.PurchaseID != "purchase-a" {
			t.Fatalf("unexpected purchase id %s", received.PurchaseID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByAccount(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accountStream, cleanup := dispatcher.Subscribe(ctx, 2)
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, 3)
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{AccountID: 3, EventType: RealtimeEventBalance, Timestamp: time.Now().UTC()})

	select {
	case <-accountStream:
		t.Fatal("did not expect realtime message for unrelated account")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.AccountID != 3 {
			t.Fatalf("expected account 3, received %d", msg.AccountID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed account")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, 5)
	defer cleanup()
	if dispatcher.SubscriberCount(5) != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount(5) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 9)
	defer cleanup()

	for i := 0; i < realtimeBufferSize+5; i++ {
		dispatcher.Publish(RealtimeMessage{AccountID: 9, EventType: RealtimeEventBalance})
	}
	if len(stream) != realtimeBufferSize {
		t.Fatalf("expected buffer to cap at %d, got %d", realtimeBufferSize, len(stream))
	}
}

func TestRealtimeDispatcherRejectsInvalidAccount(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), 0)
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatal("expected closed stream for invalid account")
	}
}
