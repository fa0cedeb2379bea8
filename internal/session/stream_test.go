package session_test

import (
	"fmt"
	"testing"
	"time"

	"crisp/internal/domain"
	"crisp/internal/session"
)

func collect(t *testing.T, ch <-chan domain.AgentEvent, n int) []domain.AgentEvent {
	t.Helper()
	out := make([]domain.AgentEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBacklogDeliveredToFirstSubscriber(t *testing.T) {
	st := session.NewStream()
	for i := 0; i < 5; i++ {
		st.Publish(domain.AgentEvent{Kind: domain.EventAgentMessage, Error: fmt.Sprint(i)})
	}
	ch, cancel := st.Subscribe()
	defer cancel()
	events := collect(t, ch, 5)
	for i, evt := range events {
		if evt.Error != fmt.Sprint(i) {
			t.Fatalf("event %d out of order: %+v", i, evt)
		}
	}
}

func TestLaterSubscribersSkipBacklog(t *testing.T) {
	st := session.NewStream()
	st.Publish(domain.AgentEvent{Kind: domain.EventAgentMessage, Error: "buffered"})

	first, cancelFirst := st.Subscribe()
	defer cancelFirst()
	collect(t, first, 1)

	second, cancelSecond := st.Subscribe()
	defer cancelSecond()

	st.Publish(domain.AgentEvent{Kind: domain.EventStepStarted, Error: "live"})
	got := collect(t, second, 1)
	if got[0].Error != "live" {
		t.Fatalf("second subscriber saw %+v, want only the live event", got[0])
	}
	collect(t, first, 1)
}

func TestPublishNeverBlocksWithoutConsumer(t *testing.T) {
	st := session.NewStream()
	ch, cancel := st.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			st.Publish(domain.AgentEvent{Kind: domain.EventStepStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	collect(t, ch, 1000)
}

func TestCloseEndsSubscribers(t *testing.T) {
	st := session.NewStream()
	ch, cancel := st.Subscribe()
	defer cancel()
	st.Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed")
	}
	// publishing after close is a no-op
	st.Publish(domain.AgentEvent{Kind: domain.EventError})
}

func TestCancelDetaches(t *testing.T) {
	st := session.NewStream()
	ch, cancel := st.Subscribe()
	cancel()
	st.Publish(domain.AgentEvent{Kind: domain.EventStepStarted})
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("detached subscriber received %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled subscriber channel not closed")
	}
}
