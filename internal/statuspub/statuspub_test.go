package statuspub

import (
	"context"
	"testing"
	"time"

	"github.com/dubforge/retargetd/internal/domain"
	"github.com/dubforge/retargetd/internal/queue"
)

type fakeLookup struct {
	records map[string]*queue.Record
}

func (f *fakeLookup) Get(ctx context.Context, jobID string) (*queue.Record, error) {
	rec, ok := f.records[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func TestSubscribeReturnsNotFoundForUnknownJob(t *testing.T) {
	pub := New(&fakeLookup{records: map[string]*queue.Record{}})
	_, _, err := pub.Subscribe(context.Background(), "missing")
	if err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSubscribeSendsInitialSnapshot(t *testing.T) {
	lookup := &fakeLookup{records: map[string]*queue.Record{
		"j1": {JobID: "j1", State: domain.JobProcessing, Progress: 30},
	}}
	pub := New(lookup)

	ch, unsubscribe, err := pub.Subscribe(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case snap := <-ch:
		if snap.Progress != 30 || snap.ProcessingStage != "Separating background" {
			t.Errorf("unexpected initial snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}
}

func TestHandleEventBroadcastsToAllSubscribers(t *testing.T) {
	lookup := &fakeLookup{records: map[string]*queue.Record{
		"j1": {JobID: "j1", State: domain.JobProcessing, Progress: 10},
	}}
	pub := New(lookup)

	ch1, unsub1, err := pub.Subscribe(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	defer unsub1()
	<-ch1 // drain initial snapshot

	ch2, unsub2, err := pub.Subscribe(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}
	defer unsub2()
	<-ch2

	lookup.records["j1"].Progress = 55
	pub.HandleEvent(queue.Event{Kind: queue.EventProgress, JobID: "j1", Progress: domain.Progress{Percent: 55}})

	for _, ch := range []<-chan Snapshot{ch1, ch2} {
		select {
		case snap := <-ch:
			if snap.Progress != 55 {
				t.Errorf("expected progress 55, got %d", snap.Progress)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestHandleEventClosesSinksAfterTerminalLinger(t *testing.T) {
	lookup := &fakeLookup{records: map[string]*queue.Record{
		"j1": {JobID: "j1", State: domain.JobCompleted, Progress: 100, FinalAudioURL: "https://blob/x.wav"},
	}}
	pub := New(lookup)
	pub.linger = 10 * time.Millisecond

	ch, unsubscribe, err := pub.Subscribe(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	<-ch // initial snapshot

	pub.HandleEvent(queue.Event{Kind: queue.EventCompleted, JobID: "j1", FinalAudioURL: "https://blob/x.wav"})

	select {
	case snap := <-ch:
		if snap.FinalAudioURL != "https://blob/x.wav" {
			t.Errorf("expected final audio url set, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal snapshot")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := <-ch; !ok {
			return
		}
	}
	t.Fatal("expected sink channel to be closed after linger")
}

func TestUnsubscribeRemovesSink(t *testing.T) {
	lookup := &fakeLookup{records: map[string]*queue.Record{
		"j1": {JobID: "j1", State: domain.JobQueued},
	}}
	pub := New(lookup)

	ch, unsubscribe, err := pub.Subscribe(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-ch
	unsubscribe()

	pub.mu.Lock()
	_, stillTracked := pub.subs["j1"]
	pub.mu.Unlock()
	if stillTracked {
		t.Error("expected job entry to be removed after last unsubscribe")
	}
}

func TestEstimateRemainingZeroWhenNotProcessing(t *testing.T) {
	rec := &queue.Record{State: domain.JobQueued, Progress: 0}
	if got := estimateRemaining(rec); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestEstimateRemainingExtrapolatesLinearly(t *testing.T) {
	rec := &queue.Record{
		State:     domain.JobProcessing,
		Progress:  50,
		StartedAt: time.Now().Add(-10 * time.Second),
	}
	remaining := estimateRemaining(rec)
	if remaining <= 0 || remaining > 15*time.Second {
		t.Errorf("expected roughly 10s remaining, got %v", remaining)
	}
}
