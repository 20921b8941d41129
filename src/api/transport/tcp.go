package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	logs "github.com/danmuck/smplog"
)

const acceptTimeout = 5 * time.Second

// NewTCPLink builds a link out of a loopback TCP connection. The accepted side
// becomes the ReadEnd and the dialed side the WriteEnd.
func NewTCPLink(ctx context.Context) (*Link, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	defer listener.Close()
	address := listener.Addr().String()
	logs.Debugf("NewTCPLink(%s)", address)

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		if tl, ok := listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := listener.Accept()
		ch <- accepted{conn, err}
	}()

	var d net.Dialer
	out, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	var in accepted
	select {
	case in = <-ch:
	case <-ctx.Done():
		out.Close()
		go func() {
			if late := <-ch; late.conn != nil {
				late.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if in.err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to accept on %s: %w", address, in.err)
	}
	if tcpConn, ok := out.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	return &Link{
		Reader: newReadEnd(in.conn, in.conn.Close),
		Writer: newWriteEnd(out, out.Close),
	}, nil
}
