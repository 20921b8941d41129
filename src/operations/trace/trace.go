// Package trace records what every node did with every frame it handled.
package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
)

type Action string

const (
	ActionSend    Action = "send"    // queued message put on a blank token
	ActionForward Action = "forward" // frame passed on unchanged
	ActionIdle    Action = "idle"    // blank token passed on unchanged
	ActionReceive Action = "receive" // destination acknowledged the frame
	ActionRetire  Action = "retire"  // origin saw its ack and freed the token
	ActionRetry   Action = "retry"   // origin saw a failed delivery, message kept
	ActionDrop    Action = "drop"    // origin gave up on a message
	ActionReset   Action = "reset"   // invalid frame replaced by a blank token
	ActionFault   Action = "fault"   // node loop terminated
)

// Event is one hop on the ring.
type Event struct {
	RunID   string
	Seq     uint64
	NodeID  int
	FrameID int32
	Tag     string
	Action  Action
	Body    string
	Time    time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("#%d node %d %s frame %d tag %q body %q", e.Seq, e.NodeID, e.Action, e.FrameID, e.Tag, e.Body)
}

// Recorder receives hop events from every node concurrently.
type Recorder interface {
	Record(e Event)
	Flush() error
	Close() error
}

// NewRunID returns a unique id for one simulation run.
func NewRunID() string {
	return xid.New().String()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Record(Event)  {}
func (NopRecorder) Flush() error { return nil }
func (NopRecorder) Close() error { return nil }

// Tee fans every event out to each recorder in turn.
type Tee []Recorder

func (t Tee) Record(e Event) {
	for _, r := range t {
		r.Record(e)
	}
}

func (t Tee) Flush() error {
	var errs []error
	for _, r := range t {
		errs = append(errs, r.Flush())
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, r := range t {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// MemoryRecorder keeps events in memory, in record order.
type MemoryRecorder struct {
	runID  string
	events []Event
	notify chan struct{}
	mu     sync.Mutex
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		runID:  NewRunID(),
		notify: make(chan struct{}),
	}
}

func (r *MemoryRecorder) RunID() string {
	return r.runID
}

func (r *MemoryRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.RunID = r.runID
	e.Seq = uint64(len(r.events)) + 1
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.events = append(r.events, e)
	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *MemoryRecorder) Flush() error { return nil }
func (r *MemoryRecorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns the recorded events for which keep returns true.
func (r *MemoryRecorder) Filter(keep func(Event) bool) []Event {
	out := make([]Event, 0)
	for _, e := range r.Events() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event matching match has been recorded or ctx ends.
func (r *MemoryRecorder) WaitFor(ctx context.Context, match func(Event) bool) (Event, error) {
	seen := 0
	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			if match(r.events[seen]) {
				e := r.events[seen]
				r.mu.Unlock()
				return e, nil
			}
		}
		notify := r.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
