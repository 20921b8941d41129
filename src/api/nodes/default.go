package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/token_ring/src/api/message"
	"github.com/danmuck/token_ring/src/api/queue"
	"github.com/danmuck/token_ring/src/api/transport"
	"github.com/danmuck/token_ring/src/operations/trace"
	logs "github.com/danmuck/smplog"
)

// Options tune a TokenNode. The zero value is usable.
type Options struct {
	Coder      transport.Coder
	Recorder   trace.Recorder
	HopDelay   time.Duration // pause before forwarding each frame
	MaxRetries int           // extra attempts after a failed delivery
	TraceIdle  bool          // record blank token hops
	OnFatal    func(error)   // called once per fatal fault, before links close
}

// TokenNode runs the token passing state machine for one ring position,
// alongside the admin handler that feeds its outbound queue.
type TokenNode struct {
	id    int
	tag   string
	ep    *Endpoint
	queue *queue.Queue
	opts  Options

	// owned by the ring loop, read by Status
	sent     bool
	inFlight *message.Message
	attempts int
	running  bool
	stats    Status
	mu       sync.Mutex
}

func NewTokenNode(ep *Endpoint, opts Options) *TokenNode {
	if opts.Coder == nil {
		opts.Coder = transport.FixedCoder{}
	}
	if opts.Recorder == nil {
		opts.Recorder = trace.NopRecorder{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &TokenNode{
		id:    ep.ID,
		tag:   message.TagFor(ep.ID),
		ep:    ep,
		queue: queue.New(ep.ID),
		opts:  opts,
	}
}

func (n *TokenNode) ID() int {
	return n.id
}

// Queue exposes the outbound queue; the admin handler is its only producer.
func (n *TokenNode) Queue() *queue.Queue {
	return n.queue
}

func (n *TokenNode) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.stats
	s.ID = n.id
	s.QueueDepth = n.queue.Len()
	s.InFlight = n.sent
	if n.inFlight != nil {
		s.InFlightID = n.inFlight.ID
	}
	s.Attempts = n.attempts
	s.Running = n.running
	return s
}

// Run serves the ring and the admin link until ctx ends or a fatal fault.
// Cancelling ctx closes the endpoint, which releases any blocked read.
func (n *TokenNode) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logs.Debugf("node(%d): start", n.id)
	n.setRunning(true)
	defer n.setRunning(false)

	go func() {
		<-ctx.Done()
		n.ep.Close()
	}()

	adminDone := make(chan error, 1)
	go func() {
		err := n.serveAdmin(ctx)
		if err != nil {
			n.reportFatal(err)
			cancel()
		}
		adminDone <- err
	}()

	err := n.serveRing(ctx)
	if err != nil {
		n.reportFatal(err)
	}
	cancel()
	if adminErr := <-adminDone; err == nil {
		err = adminErr
	}
	n.ep.Close()
	if err != nil {
		logs.Errorf(err, "node(%d): terminated", n.id)
		n.opts.Recorder.Record(trace.Event{NodeID: n.id, Action: trace.ActionFault, Body: err.Error()})
		return err
	}
	logs.Debugf("node(%d): exit", n.id)
	return nil
}

// reportFatal runs before the endpoint is closed, so the owner hears about the
// fault ahead of the neighbours that see their links drop.
func (n *TokenNode) reportFatal(err error) {
	if n.opts.OnFatal != nil {
		n.opts.OnFatal(err)
	}
}

func (n *TokenNode) setRunning(v bool) {
	n.mu.Lock()
	n.running = v
	n.mu.Unlock()
}

// serveRing consumes one frame per iteration and writes one frame back out.
func (n *TokenNode) serveRing(ctx context.Context) error {
	for {
		frame, err := n.opts.Coder.Decode(n.ep.Inbound)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case transport.IsFrameFault(err):
				logs.Warnf("node(%d): invalid frame replaced by blank token: %v", n.id, err)
				n.count(func(s *Status) { s.Resets++ })
				frame = message.Blank()
				n.opts.Recorder.Record(trace.Event{NodeID: n.id, Action: trace.ActionReset, Body: err.Error()})
			case errors.Is(err, io.EOF):
				return &FatalError{NodeID: n.id, Err: ErrUpstreamClosed}
			default:
				return &FatalError{NodeID: n.id, Err: err}
			}
		}

		out, action := n.Process(frame)
		if action != trace.ActionIdle || n.opts.TraceIdle {
			n.opts.Recorder.Record(trace.Event{
				NodeID:  n.id,
				FrameID: out.ID,
				Tag:     out.Tag,
				Action:  action,
				Body:    string(out.Body),
			})
		}

		if n.opts.HopDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(n.opts.HopDelay):
			}
		}

		if err := transport.Send(n.ep.Outbound, n.opts.Coder, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &FatalError{NodeID: n.id, Err: fmt.Errorf("%w: %w", ErrDownstreamClosed, err)}
		}
	}
}

// Process applies the protocol to one arriving frame and returns the frame to
// transmit together with what was done to it.
func (n *TokenNode) Process(frame *message.Message) (*message.Message, trace.Action) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case !frame.IsBlank() && frame.Tag == n.tag:
		// the ack keeps id and body so the origin can match it
		if err := frame.Acknowledge(); err != nil {
			logs.Warnf("node(%d): %v", n.id, err)
		}
		n.stats.Received++
		logs.Debugf("node(%d): received %v", n.id, frame)
		return frame, trace.ActionReceive

	case !frame.IsBlank() && n.sent && frame.ID == n.inFlight.ID:
		if frame.IsAck() {
			return n.retire(frame)
		}
		return n.fail(fmt.Sprintf("message %d returned unacknowledged (tag %q)", frame.ID, frame.Tag))

	case !frame.IsBlank():
		n.stats.Forwarded++
		return frame, trace.ActionForward

	case n.sent:
		// our message never came back; the token was reset somewhere
		return n.fail(fmt.Sprintf("message %d lost in flight", n.inFlight.ID))

	default:
		return n.sendHead(frame)
	}
}

func (n *TokenNode) sendHead(blank *message.Message) (*message.Message, trace.Action) {
	head, ok := n.queue.Peek()
	if !ok {
		return blank, trace.ActionIdle
	}
	n.sent = true
	n.inFlight = head
	n.stats.Sent++
	logs.Debugf("node(%d): sending %v (attempt %d)", n.id, head, n.attempts+1)
	return head.Clone(), trace.ActionSend
}

func (n *TokenNode) retire(ack *message.Message) (*message.Message, trace.Action) {
	if _, err := n.queue.Dequeue(); err != nil {
		logs.Warnf("node(%d): retire %d: %v", n.id, ack.ID, err)
	}
	n.sent = false
	n.inFlight = nil
	n.attempts = 0
	n.stats.Delivered++
	logs.Debugf("node(%d): delivered message %d", n.id, ack.ID)
	return message.Blank(), trace.ActionRetire
}

// fail clears the in-flight flag and either keeps the message at the queue
// head for another attempt or drops it once MaxRetries is spent.
func (n *TokenNode) fail(reason string) (*message.Message, trace.Action) {
	n.sent = false
	n.inFlight = nil
	n.attempts++
	if n.attempts <= n.opts.MaxRetries {
		n.stats.Retried++
		logs.Warnf("node(%d): delivery failed, retry %d/%d: %s", n.id, n.attempts, n.opts.MaxRetries, reason)
		return message.Blank(), trace.ActionRetry
	}

	n.attempts = 0
	n.stats.Dropped++
	dropped, err := n.queue.Dequeue()
	if err != nil {
		logs.Warnf("node(%d): drop: %v", n.id, err)
		return message.Blank(), trace.ActionDrop
	}
	logs.Warnf("node(%d): delivery failed, dropping %v: %s", n.id, dropped, reason)
	return message.Blank(), trace.ActionDrop
}

func (n *TokenNode) count(f func(*Status)) {
	n.mu.Lock()
	f(&n.stats)
	n.mu.Unlock()
}

// serveAdmin moves frames from the admin link into the outbound queue.
func (n *TokenNode) serveAdmin(ctx context.Context) error {
	if n.ep.Admin == nil {
		return nil
	}
	for {
		m, err := n.opts.Coder.Decode(n.ep.Admin)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			if transport.IsFrameFault(err) {
				logs.Warnf("node(%d): ignoring admin frame: %v", n.id, err)
				continue
			}
			return &FatalError{NodeID: n.id, Err: fmt.Errorf("admin link: %w", err)}
		}
		if err := n.queue.Enqueue(m); err == nil {
			logs.Debugf("node(%d): queued %v", n.id, m)
		}
	}
}
