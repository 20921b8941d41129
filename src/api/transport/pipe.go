package transport

import (
	"io"
	"sync"
)

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

// framePipe is a one slot in-memory pipe. Each write is copied into the slot
// and handed to the reader whole; the writer blocks while the slot is full.
// A one node ring writes to its own inbound link, so the slot cannot be
// unbuffered like io.Pipe.
type framePipe struct {
	slot   chan []byte
	wdone  chan struct{} // closed by closeWrite
	rdone  chan struct{} // closed by closeRead
	wonce  sync.Once
	ronce  sync.Once
	unread []byte // reader-owned remainder of the current write
}

func newFramePipe() *framePipe {
	return &framePipe{
		slot:  make(chan []byte, 1),
		wdone: make(chan struct{}),
		rdone: make(chan struct{}),
	}
}

func (p *framePipe) Read(b []byte) (int, error) {
	if len(p.unread) == 0 {
		select {
		case <-p.rdone:
			return 0, ErrShutdown
		default:
		}
		select {
		case chunk := <-p.slot:
			p.unread = chunk
		case <-p.rdone:
			return 0, ErrShutdown
		case <-p.wdone:
			// a write may have landed just before the close
			select {
			case chunk := <-p.slot:
				p.unread = chunk
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(b, p.unread)
	p.unread = p.unread[n:]
	return n, nil
}

func (p *framePipe) write(b []byte) (int, error) {
	select {
	case <-p.wdone:
		return 0, io.ErrClosedPipe
	case <-p.rdone:
		return 0, io.ErrClosedPipe
	default:
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	select {
	case p.slot <- chunk:
		return len(b), nil
	case <-p.wdone:
		return 0, io.ErrClosedPipe
	case <-p.rdone:
		return 0, io.ErrClosedPipe
	}
}

func (p *framePipe) closeWrite() error {
	p.wonce.Do(func() { close(p.wdone) })
	return nil
}

func (p *framePipe) closeRead() error {
	p.ronce.Do(func() { close(p.rdone) })
	return nil
}
