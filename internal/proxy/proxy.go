// Package proxy implements the one-shot stdin/socket/stdout bridge spec.md
// §4.4 describes: read one framed request from stdin, relay it to the
// daemon over its Unix socket (autostarting the daemon if it isn't
// running), and relay the framed response back to stdout verbatim.
//
// Grounded on the teacher's ensureDaemon/pingDaemon/mustRequest trio in
// cmd/grove/main.go, which dial a socket, ping it, and on failure spawn the
// daemon as a detached child before retrying — the same shape this package
// generalizes into a library function instead of inline CLI code.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ianremillard/sshclipboard/internal/framing"
	"github.com/ianremillard/sshclipboard/internal/netio"
	"github.com/ianremillard/sshclipboard/internal/protocol"
)

// Options configures one Run invocation.
type Options struct {
	SocketPath      string
	MaxSize         uint64
	IOTimeout       time.Duration
	ResyncScanCap   int
	AutostartDaemon bool
	// DaemonArgv, if set, is the command used to spawn the daemon when
	// AutostartDaemon is true and the socket can't be dialed.
	DaemonArgv []string
}

// ExitCode maps a protocol.ErrorCode to the process exit code spec.md §4.4
// specifies. A successful exchange (Ok/Value/Meta/Empty response) exits 0.
func ExitCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrInvalidRequest, protocol.ErrInvalidUTF8, protocol.ErrVersionMismatch:
		return 2
	case protocol.ErrPayloadTooLarge:
		return 3
	case protocol.ErrDaemonNotRunning:
		return 4
	default:
		return 5
	}
}

// requestOverhead mirrors internal/daemon's bound on non-payload bytes, so
// the proxy never truncates a response the daemon was entitled to send.
const requestOverhead = 256

// Run reads one framed request from stdin, relays it through the daemon
// socket, writes the framed response to stdout, and returns the process
// exit code the caller should use.
func Run(ctx context.Context, stdin io.Reader, stdout io.Writer, opts Options) int {
	reqPayload, discarded, err := framing.ReadFrameResync(stdin, uint32(opts.MaxSize)+requestOverhead, opts.ResyncScanCap)
	if err != nil {
		code := protocol.ErrInvalidRequest
		var badVersion *framing.UnsupportedVersionError
		if errors.As(err, &badVersion) {
			code = protocol.ErrVersionMismatch
		}
		return writeSynthesizedError(stdout, 0, code, fmt.Sprintf("could not read request frame: %v", err))
	}
	if discarded > 0 {
		fmt.Fprintf(os.Stderr, "ssh_clipboard: discarded %d bytes of leading noise before request frame\n", discarded)
	}

	requestID := peekRequestID(reqPayload)

	conn, err := dialWithAutostart(ctx, opts)
	if err != nil {
		return writeSynthesizedError(stdout, requestID, protocol.ErrDaemonNotRunning, err.Error())
	}
	defer conn.Close()

	if err := netio.WriteFrame(conn, opts.IOTimeout, reqPayload); err != nil {
		return writeSynthesizedError(stdout, requestID, protocol.ErrDaemonNotRunning, fmt.Sprintf("write to daemon: %v", err))
	}

	respPayload, err := netio.ReadFrame(conn, opts.IOTimeout, uint32(opts.MaxSize)+requestOverhead)
	if err != nil {
		return writeSynthesizedError(stdout, requestID, protocol.ErrDaemonNotRunning, fmt.Sprintf("read from daemon: %v", err))
	}

	if err := framing.WriteFrame(stdout, respPayload); err != nil {
		fmt.Fprintf(os.Stderr, "ssh_clipboard: write response to stdout: %v\n", err)
		return ExitCode(protocol.ErrInternal)
	}

	resp, err := protocol.DecodeResponse(bytes.NewReader(respPayload))
	if err != nil {
		return ExitCode(protocol.ErrInternal)
	}
	if resp.Kind.IsError() {
		return ExitCode(resp.Kind.Error.Code)
	}
	return 0
}

// peekRequestID best-effort decodes just the leading request ID so a
// synthesized error response can echo it back; 0 if the payload is too
// short or malformed to contain one.
func peekRequestID(payload []byte) uint64 {
	req, err := protocol.DecodeRequest(bytes.NewReader(payload))
	if err != nil {
		return 0
	}
	return req.RequestID
}

func writeSynthesizedError(stdout io.Writer, requestID uint64, code protocol.ErrorCode, msg string) int {
	resp := protocol.NewErrorResponse(requestID, code, msg)
	var buf bytes.Buffer
	if err := protocol.EncodeResponse(&buf, resp); err != nil {
		fmt.Fprintf(os.Stderr, "ssh_clipboard: encode synthesized error: %v\n", err)
		return ExitCode(protocol.ErrInternal)
	}
	if err := framing.WriteFrame(stdout, buf.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "ssh_clipboard: write synthesized error: %v\n", err)
		return ExitCode(protocol.ErrInternal)
	}
	return ExitCode(code)
}

// dialWithAutostart dials the daemon socket, and if that fails and
// AutostartDaemon is set, spawns the daemon detached and retries a few
// times with backoff before giving up.
func dialWithAutostart(ctx context.Context, opts Options) (net.Conn, error) {
	conn, err := netio.DialUnixTimeout(ctx, opts.SocketPath, opts.IOTimeout)
	if err == nil {
		return conn, nil
	}
	if !opts.AutostartDaemon || len(opts.DaemonArgv) == 0 {
		return nil, fmt.Errorf("daemon not running at %s: %w", opts.SocketPath, err)
	}

	if spawnErr := spawnDetachedDaemon(opts.DaemonArgv); spawnErr != nil {
		return nil, fmt.Errorf("daemon not running and autostart failed: %w", spawnErr)
	}

	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		time.Sleep(backoff)
		conn, err = netio.DialUnixTimeout(ctx, opts.SocketPath, opts.IOTimeout)
		if err == nil {
			return conn, nil
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("daemon did not become ready at %s after autostart: %w", opts.SocketPath, err)
}

// spawnDetachedDaemon launches argv as a new session leader, detached from
// the proxy's controlling terminal and stdio, so it outlives this one-shot
// process. Grounded on the teacher's detached-spawn use of
// syscall.SysProcAttr{Setsid: true} when autostarting groved.
func spawnDetachedDaemon(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
