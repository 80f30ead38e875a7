// Package events provides the in-process push channel for workspace events.
// Watchers register per workspace; delivery is FIFO per workspace and never
// blocks publishers (slow watchers drop their oldest buffered event).
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the event kinds emitted over the push channel.
type Type string

const (
	TaskStatusChanged     Type = "task.status_changed"
	GoalProgressUpdated   Type = "goal.progress_updated"
	GoalTransparencyGap   Type = "goal.transparency_gap"
	DeliverableReady      Type = "deliverable.ready"
	RecoveryAttempted     Type = "recovery.attempted"
	WorkspaceStateChanged Type = "workspace.state_changed"
)

// Event is one notification pushed to workspace subscribers.
type Event struct {
	Type        Type      `json:"type"`
	WorkspaceID string    `json:"workspace_id"`
	EntityID    string    `json:"entity_id"`
	TraceID     string    `json:"trace_id"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload,omitempty"`
}

const defaultBuffer = 64

type watchRegistration struct {
	mu     sync.Mutex
	ch     chan *Event
	closed bool
}

// deliver hands the event to the watcher channel without blocking. The
// registration lock serializes against shutdown so a send can never hit a
// closed channel.
func (r *watchRegistration) deliver(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- event:
	default:
		// Buffer full: drop the oldest queued event to keep FIFO order of
		// what remains and never block the publisher.
		select {
		case <-r.ch:
		default:
		}
		select {
		case r.ch <- event:
		default:
		}
	}
}

func (r *watchRegistration) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Bus fans events out to per-workspace watchers.
type Bus struct {
	mu       sync.RWMutex
	watchers map[string]map[uint64]*watchRegistration
	nextID   uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{watchers: make(map[string]map[uint64]*watchRegistration)}
}

// Watch subscribes to events for one workspace. The subscription ends when
// ctx is cancelled.
func (b *Bus) Watch(ctx context.Context, workspaceID string) (<-chan *Event, error) {
	if workspaceID == "" {
		return nil, errors.New("events: workspace id is required")
	}

	ch := make(chan *Event, defaultBuffer)
	id := atomic.AddUint64(&b.nextID, 1)

	b.mu.Lock()
	if _, ok := b.watchers[workspaceID]; !ok {
		b.watchers[workspaceID] = make(map[uint64]*watchRegistration)
	}
	b.watchers[workspaceID][id] = &watchRegistration{ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeWatcher(workspaceID, id)
	}()

	return ch, nil
}

// Publish dispatches an event to all watchers of its workspace. Missing
// timestamps are stamped here so ordering stays consistent.
func (b *Bus) Publish(event *Event) error {
	if event == nil {
		return errors.New("events: event is required")
	}
	if event.WorkspaceID == "" {
		return errors.New("events: event missing workspace id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	watchers := b.watchers[event.WorkspaceID]
	targets := make([]*watchRegistration, 0, len(watchers))
	for _, reg := range watchers {
		targets = append(targets, reg)
	}
	b.mu.RUnlock()

	for _, reg := range targets {
		reg.deliver(event)
	}
	return nil
}

// WatcherCount reports the number of active watchers for a workspace.
func (b *Bus) WatcherCount(workspaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers[workspaceID])
}

func (b *Bus) removeWatcher(workspaceID string, id uint64) {
	b.mu.Lock()
	var reg *watchRegistration
	if regs, ok := b.watchers[workspaceID]; ok {
		reg = regs[id]
		delete(regs, id)
		if len(regs) == 0 {
			delete(b.watchers, workspaceID)
		}
	}
	b.mu.Unlock()

	// Closing happens outside the bus lock; the registration's own lock
	// fences off publishers that already snapshotted this watcher.
	if reg != nil {
		reg.shutdown()
	}
}
