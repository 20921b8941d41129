package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/token_ring/src/api/message"
)

const (
	TransportPipe = "pipe"
	TransportTCP  = "tcp"
)

var ErrShutdown = errors.New("link shut down")

// Link is a one-way byte channel between two ring positions. Exactly one
// goroutine writes Writer and exactly one reads Reader.
type Link struct {
	Reader *ReadEnd
	Writer *WriteEnd
}

// LinkFactory allocates a fresh link.
type LinkFactory func(ctx context.Context) (*Link, error)

// NewLinkFactory returns the factory for a transport name.
func NewLinkFactory(name string) (LinkFactory, error) {
	switch name {
	case "", TransportPipe:
		return NewPipeLink, nil
	case TransportTCP:
		return NewTCPLink, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// NewPipeLink returns an in-process link that buffers at most one write. A
// second write blocks until the reader has drained the first, so each link
// holds at most one frame.
func NewPipeLink(_ context.Context) (*Link, error) {
	p := newFramePipe()
	return &Link{
		Reader: newReadEnd(p, p.closeRead),
		Writer: newWriteEnd(writerFunc(p.write), p.closeWrite),
	}, nil
}

// Close closes both ends.
func (l *Link) Close() error {
	return errors.Join(l.Writer.Close(), l.Reader.Close())
}

// closeOnce runs fn a single time and remembers its result.
type closeOnce struct {
	once   sync.Once
	closed atomic.Bool
	fn     func() error
	err    error
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.err = c.fn()
	})
	return c.err
}

// Closed reports whether Close has run.
func (c *closeOnce) Closed() bool {
	return c.closed.Load()
}

// ReadEnd is the receiving side of a link. Close is idempotent.
type ReadEnd struct {
	r io.Reader
	closeOnce
}

func newReadEnd(r io.Reader, closeFn func() error) *ReadEnd {
	e := &ReadEnd{r: r}
	e.fn = closeFn
	return e
}

func (e *ReadEnd) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

// WriteEnd is the sending side of a link. Close is idempotent.
type WriteEnd struct {
	w  io.Writer
	mu sync.Mutex
	closeOnce
}

func newWriteEnd(w io.Writer, closeFn func() error) *WriteEnd {
	e := &WriteEnd{w: w}
	e.fn = closeFn
	return e
}

// Write sends p as one unit; concurrent writers never interleave frames.
func (e *WriteEnd) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.Write(p)
}

// Send encodes m with coder and writes the whole frame.
func Send(w io.Writer, coder Coder, m *message.Message) error {
	data, err := coder.Encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// IsFrameFault reports whether err came from a complete but invalid frame. The
// link is still aligned on a frame boundary after such an error.
func IsFrameFault(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, message.ErrInvalidTag) ||
		errors.Is(err, message.ErrInvalidBody) ||
		errors.Is(err, message.ErrBodyTooLong)
}
