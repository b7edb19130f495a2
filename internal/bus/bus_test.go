package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 4)
	defer unsub()

	b.Emit("message.received", "payload")

	select {
	case evt := <-ch:
		if evt.Kind != "message.received" {
			t.Errorf("kind = %q, want message.received", evt.Kind)
		}
		if evt.Payload != "payload" {
			t.Errorf("payload = %v, want payload", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 4)
	defer unsub()

	b.Emit("entry.presence", nil)
	b.Emit("session.reauth_required", nil)

	select {
	case evt := <-ch:
		if evt.Kind != "session.reauth_required" {
			t.Errorf("kind = %q, want session.reauth_required", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for filtered event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %q", evt.Kind)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 4)
	unsub()

	b.Emit("message.received", nil)

	select {
	case evt := <-ch:
		t.Errorf("received %q after unsubscribe", evt.Kind)
	default:
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit("message.received", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}
