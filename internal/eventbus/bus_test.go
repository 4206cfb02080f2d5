package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ProfileSynced, Data: SyncOutcome{ID: 7}})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != ProfileSynced || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
			if e.Data.(SyncOutcome).ID != 7 {
				t.Fatalf("data = %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TelemetryTick})
	b.Publish(Event{Type: TelemetryTick}) // dropped, must not block
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TelemetryTick})
}
