package events

import (
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/tome/internal/metrics"
)

func TestBroker_Delivery(t *testing.T) {
	b := NewBroker(10, nil, nil)
	sub, err := b.Subscribe("job1")
	if err != nil {
		t.Fatal(err)
	}
	other, _ := b.Subscribe("job2")

	b.Publish("job1", Event{Status: "processing", Phase: 1, ProgressPercentage: 5})
	b.Publish("job1", Event{Status: "processing", Phase: 2, ProgressPercentage: 30})

	for _, want := range []float64{5, 30} {
		select {
		case ev := <-sub.Events():
			if ev.ProgressPercentage != want || ev.JobID != "job1" {
				t.Errorf("unexpected event %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("expected timestamp to be stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	select {
	case ev := <-other.Events():
		t.Errorf("job2 subscriber received job1 event %+v", ev)
	default:
	}

	if _, err := b.Subscribe(""); err == nil {
		t.Error("expected error for empty job id")
	}
}

func TestBroker_SlowSubscriberNeverBlocks(t *testing.T) {
	rec := metrics.NewRecorder()
	b := NewBroker(4, rec, nil)
	sub, _ := b.Subscribe("job1")

	done := make(chan struct{})
	go func() {
		for i := range 50 {
			b.Publish("job1", Event{Status: "processing", ProgressPercentage: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if sub.Dropped() != 46 {
		t.Errorf("expected 46 dropped events, got %d", sub.Dropped())
	}
	if len(sub.Events()) != 4 {
		t.Errorf("expected full queue of 4, got %d", len(sub.Events()))
	}
}

func TestBroker_TerminalCloses(t *testing.T) {
	b := NewBroker(2, nil, nil)
	sub, _ := b.Subscribe("job1")

	// Fill the queue so the terminal event has to displace one.
	b.Publish("job1", Event{Status: "processing", ProgressPercentage: 1})
	b.Publish("job1", Event{Status: "processing", ProgressPercentage: 2})
	b.Publish("job1", Event{Status: "completed", ProgressPercentage: 100})

	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[len(got)-1].Status != "completed" {
		t.Errorf("expected terminal event last, got %+v", got[len(got)-1])
	}
	if b.SubscriberCount("job1") != 0 {
		t.Error("expected subscription to be removed")
	}

	// Publishing after close must not panic.
	b.Publish("job1", Event{Status: "processing"})
	b.Unsubscribe(sub)
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(0, nil, nil)
	sub, _ := b.Subscribe("job1")
	if b.SubscriberCount("job1") != 1 {
		t.Fatal("expected one subscriber")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel")
	}
	if b.SubscriberCount("job1") != 0 {
		t.Error("expected no subscribers")
	}
}

func TestBroker_Concurrent(t *testing.T) {
	b := NewBroker(8, nil, nil)
	var wg sync.WaitGroup
	for range 10 {
		sub, _ := b.Subscribe("job1")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range sub.Events() {
			}
		}()
	}

	var pubs sync.WaitGroup
	for i := range 5 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 20 {
				b.Publish("job1", Event{Status: "processing", ProgressPercentage: float64(i*20 + j)})
			}
		}()
	}
	pubs.Wait()
	b.Publish("job1", Event{Status: "failed"})

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribers were not closed by the terminal event")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(jobID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestFanoutAndBridge(t *testing.T) {
	a, c := &recorder{}, &recorder{}
	bridge := NewNATSBridge(nil, "", Fanout{a, nil, c}, nil)

	if got := bridge.Subject("abcd1234"); got != "tome.jobs.abcd1234.progress" {
		t.Errorf("unexpected subject %q", got)
	}

	bridge.Publish("abcd1234", Event{Status: "processing"})
	if len(a.events) != 1 || len(c.events) != 1 {
		t.Errorf("expected both publishers to receive the event")
	}

	custom := NewNATSBridge(nil, "books", nil, nil)
	if got := custom.Subject("x"); got != "books.x.progress" {
		t.Errorf("unexpected subject %q", got)
	}
	custom.Publish("x", Event{})
	custom.Close()
}
