// Package netio wraps the blocking points shared by the daemon and the proxy
// relay — connect, framed read, framed write — in timeout helpers (spec.md
// §4.5), and runs the accept loop, which has no per-call timeout and stops
// only when its context is canceled. A timeout always converts to the plain
// error ErrTimeout: the daemon reports it as protocol.ErrInternal and the
// proxy as protocol.ErrDaemonNotRunning. It never leaves an operation
// half-finished in a way that mutates state.
//
// Grounded on the teacher's own deadline usage: catherd's pingDaemon sets
// conn.SetDeadline before a request/response pair, and ensureDaemon dials
// with net.DialTimeout. This package lifts that pattern out of each call
// site into reusable helpers.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ianremillard/sshclipboard/internal/framing"
)

// ErrTimeout is returned by the helpers below when the configured deadline
// elapses before the operation completes.
var ErrTimeout = errors.New("netio: timed out")

// wrapDeadlineErr turns a net.Error timeout (or context.DeadlineExceeded)
// into ErrTimeout so callers don't need to know which underlying type
// reported it.
func wrapDeadlineErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// ReadFrame reads one strict-mode frame from conn, aborting with ErrTimeout
// if it takes longer than timeout. The connection's read deadline is reset
// on return so later operations on the same conn are unaffected.
func ReadFrame(conn net.Conn, timeout time.Duration, maxLen uint32) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("netio: set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	payload, err := framing.ReadFrame(conn, maxLen)
	return payload, wrapDeadlineErr(err)
}

// WriteFrame writes one frame to conn, aborting with ErrTimeout if it takes
// longer than timeout.
func WriteFrame(conn net.Conn, timeout time.Duration, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("netio: set write deadline: %w", err)
	}
	defer conn.SetWriteDeadline(time.Time{})

	return wrapDeadlineErr(framing.WriteFrame(conn, payload))
}

// DialUnixTimeout dials a Unix domain socket at path, returning ErrTimeout if
// the connection isn't established within timeout. It is also
// context-cancellable: if ctx is canceled first, the dial aborts and the
// context's error is returned unwrapped so callers can distinguish
// cancellation from a plain timeout.
func DialUnixTimeout(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// AcceptLoop runs accept() in a loop, invoking handle(conn) in its own
// goroutine for each accepted connection, until ctx is canceled or l.Accept
// returns an error (normally because ctx's cancellation closed l). Accept
// itself has no per-call timeout — spec.md §5 says the listener's accept
// loop is not cancellable during normal operation — but closing the
// listener on ctx.Done unblocks a pending Accept immediately.
func AcceptLoop(ctx context.Context, l net.Listener, handle func(net.Conn)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go handle(conn)
	}
}
