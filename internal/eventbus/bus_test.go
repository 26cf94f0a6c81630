package eventbus

import (
	"testing"
	"time"
)

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, TriggerSaved, "default/DEFAULT/T1")
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TriggerSaved || e.Data != "default/DEFAULT/T1" || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		Publish(b, TaskFinished, i)
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	if got := Dropped(b); got != 9 {
		t.Fatalf("dropped = %d, want 9", got)
	}
	if e := <-ch; e.Data != 0 {
		t.Fatalf("kept %v, want first event", e.Data)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	Publish(b, JobSaved, "x")
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, Recovered, nil)
}
