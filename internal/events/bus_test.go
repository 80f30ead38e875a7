package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishReachesWatcher(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Watch(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	err = bus.Publish(&Event{Type: TaskStatusChanged, WorkspaceID: "ws-1", EntityID: "task-1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != TaskStatusChanged || got.EntityID != "task-1" {
			t.Errorf("unexpected event %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Publish must stamp missing timestamps")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.Watch(ctx, "ws-1")
	_ = bus.Publish(&Event{Type: TaskStatusChanged, WorkspaceID: "ws-2", EntityID: "x"})

	select {
	case evt := <-ch:
		t.Fatalf("watcher for ws-1 received ws-2 event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFIFOOrderPerWorkspace(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.Watch(ctx, "ws-1")
	for i := 0; i < 10; i++ {
		_ = bus.Publish(&Event{Type: GoalProgressUpdated, WorkspaceID: "ws-1", EntityID: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-ch:
			if got.EntityID != string(rune('a'+i)) {
				t.Fatalf("event %d out of order: got %s", i, got.EntityID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestWatcherRemovedOnCancel(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = bus.Watch(ctx, "ws-1")
	if got := bus.WatcherCount("ws-1"); got != 1 {
		t.Fatalf("WatcherCount = %d, want 1", got)
	}

	cancel()

	deadline := time.After(time.Second)
	for bus.WatcherCount("ws-1") != 0 {
		select {
		case <-deadline:
			t.Fatal("watcher not removed after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Publishers racing against watcher unsubscription must never send on a
// closed channel; run with -race.
func TestPublishDuringWatcherChurn(t *testing.T) {
	bus := NewBus()
	stop := make(chan struct{})

	var publishers sync.WaitGroup
	for p := 0; p < 4; p++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = bus.Publish(&Event{Type: TaskStatusChanged, WorkspaceID: "ws-1", EntityID: "t"})
				}
			}
		}()
	}

	var watchers sync.WaitGroup
	for w := 0; w < 8; w++ {
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			for i := 0; i < 50; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				ch, err := bus.Watch(ctx, "ws-1")
				if err != nil {
					cancel()
					t.Errorf("Watch: %v", err)
					return
				}
				select {
				case <-ch:
				default:
				}
				cancel()
			}
		}()
	}

	watchers.Wait()
	close(stop)
	publishers.Wait()
}

func TestPublishValidation(t *testing.T) {
	bus := NewBus()
	if err := bus.Publish(nil); err == nil {
		t.Error("nil event must be rejected")
	}
	if err := bus.Publish(&Event{Type: TaskStatusChanged}); err == nil {
		t.Error("event without workspace id must be rejected")
	}
}
