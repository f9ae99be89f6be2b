package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New(10)
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: DoseSent})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != DoseSent || e.Time.IsZero() {
				t.Fatalf("got %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New(10)
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %s", e.Type)
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New(10)
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "after"})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestRecentRing(t *testing.T) {
	t.Parallel()
	b := New(3)
	for _, typ := range []string{"1", "2", "3", "4", "5"} {
		b.Publish(Event{Type: typ})
	}
	got := b.Recent()
	if len(got) != 3 || got[0].Type != "3" || got[2].Type != "5" {
		t.Fatalf("recent = %+v", got)
	}
}
