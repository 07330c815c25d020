// Package daemon implements the ssh_clipboard background daemon.
//
// The daemon listens on a per-user Unix domain socket and holds exactly one
// clipboard.Value behind a mutex. Each connection carries one framed
// request and gets back one framed response before the daemon closes it —
// there is no attach/streaming mode here, every exchange is request/reply.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/sshclipboard/internal/clipboard"
	"github.com/ianremillard/sshclipboard/internal/framing"
	"github.com/ianremillard/sshclipboard/internal/netio"
	"github.com/ianremillard/sshclipboard/internal/protocol"
)

// Daemon is the central supervisor. It owns the single stored clipboard
// value and handles every Set/Get/PeekMeta request that arrives over the
// socket.
type Daemon struct {
	maxSize   uint64
	ioTimeout time.Duration

	mu    sync.Mutex
	value *clipboard.Value // nil until the first successful Set
}

// New creates a Daemon that rejects payloads over maxSize and aborts any
// single socket operation that takes longer than ioTimeout.
func New(maxSize uint64, ioTimeout time.Duration) *Daemon {
	return &Daemon{maxSize: maxSize, ioTimeout: ioTimeout}
}

// Run prepares socketPath's parent directory, binds the listener, and
// serves connections until ctx is canceled. The parent directory is created
// with mode 0700 and a stale socket at socketPath is removed first, matching
// spec.md §4.3's per-user, non-world-readable socket requirement.
func (d *Daemon) Run(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("daemon: create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}

	oldMask := unix.Umask(0o077)
	l, err := net.Listen("unix", socketPath)
	unix.Umask(oldMask)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", socketPath, err)
	}
	defer l.Close()

	if err := os.Chmod(socketPath, 0o600); err != nil {
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}

	log.Printf("ssh_clipboard daemon listening on %s", socketPath)

	err = netio.AcceptLoop(ctx, l, d.handleConn)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Connection handling ──────────────────────────────────────────────────

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	peerUID, err := peerUID(conn)
	if err != nil {
		log.Printf("daemon: peer credential check failed: %v", err)
		return
	}
	if peerUID != uint32(os.Getuid()) {
		d.respondError(conn, 0, protocol.ErrInvalidRequest, "peer credential check failed")
		return
	}

	payload, err := netio.ReadFrame(conn, d.ioTimeout, uint32(d.maxSize)+requestOverhead)
	if err != nil {
		d.handleFrameError(conn, err)
		return
	}

	req, err := protocol.DecodeRequest(bytes.NewReader(payload))
	if err != nil {
		d.respondError(conn, 0, protocol.ErrInvalidRequest, err.Error())
		return
	}

	resp := d.dispatch(req)
	if err := d.writeResponse(conn, resp); err != nil {
		log.Printf("daemon: write response: %v", err)
	}
}

// requestOverhead bounds the non-payload bytes (request id, tag, content
// type, varint lengths) a Set request adds on top of the raw clipboard data,
// so a max-size-bound payload is never rejected purely by framing overhead.
const requestOverhead = 256

func (d *Daemon) dispatch(req protocol.Request) protocol.Response {
	switch {
	case req.Kind.IsSet():
		return d.handleSet(req)
	case req.Kind.IsGet():
		return d.handleGet(req)
	case req.Kind.IsPeekMeta():
		return d.handlePeekMeta(req)
	default:
		return protocol.NewErrorResponse(req.RequestID, protocol.ErrInvalidRequest, "unknown request kind")
	}
}

func (d *Daemon) handleSet(req protocol.Request) protocol.Response {
	v := req.Kind.Set.Value
	if err := clipboard.Validate(v, d.maxSize); err != nil {
		var ve *clipboard.ValidationError
		if errors.As(err, &ve) {
			return protocol.NewErrorResponse(req.RequestID, validationCode(ve.Kind), ve.Message)
		}
		return protocol.NewErrorResponse(req.RequestID, protocol.ErrInternal, err.Error())
	}

	d.mu.Lock()
	stored := v.Clone()
	d.value = &stored
	d.mu.Unlock()

	return protocol.NewOkResponse(req.RequestID)
}

func (d *Daemon) handleGet(req protocol.Request) protocol.Response {
	d.mu.Lock()
	v := d.value
	d.mu.Unlock()

	if v == nil {
		return protocol.NewEmptyResponse(req.RequestID)
	}
	return protocol.NewValueResponse(req.RequestID, v.Clone())
}

func (d *Daemon) handlePeekMeta(req protocol.Request) protocol.Response {
	d.mu.Lock()
	v := d.value
	d.mu.Unlock()

	if v == nil {
		return protocol.NewEmptyResponse(req.RequestID)
	}
	return protocol.NewMetaResponse(req.RequestID, v.Meta())
}

func validationCode(kind string) protocol.ErrorCode {
	switch kind {
	case "payload_too_large":
		return protocol.ErrPayloadTooLarge
	case "invalid_utf8":
		return protocol.ErrInvalidUTF8
	default:
		return protocol.ErrInvalidRequest
	}
}

// handleFrameError translates a framing-layer failure into the best-effort
// error response spec.md §4.3 asks for; the request ID is unknown at this
// point since decoding never got as far as the payload, so it is reported
// as 0.
func (d *Daemon) handleFrameError(conn net.Conn, err error) {
	var tooLarge *framing.PayloadTooLargeError
	var badVersion *framing.UnsupportedVersionError
	switch {
	case errors.As(err, &tooLarge):
		d.respondError(conn, 0, protocol.ErrPayloadTooLarge, err.Error())
	case errors.As(err, &badVersion):
		d.respondError(conn, 0, protocol.ErrVersionMismatch, err.Error())
	case errors.Is(err, framing.ErrInvalidMagic):
		d.respondError(conn, 0, protocol.ErrInvalidRequest, err.Error())
	case errors.Is(err, netio.ErrTimeout):
		log.Printf("daemon: read timed out")
		d.respondError(conn, 0, protocol.ErrInternal, err.Error())
	default:
		log.Printf("daemon: read frame: %v", err)
		d.respondError(conn, 0, protocol.ErrInternal, err.Error())
	}
}

func (d *Daemon) respondError(conn net.Conn, id uint64, code protocol.ErrorCode, msg string) {
	if err := d.writeResponse(conn, protocol.NewErrorResponse(id, code, msg)); err != nil {
		log.Printf("daemon: write error response: %v", err)
	}
}

func (d *Daemon) writeResponse(conn net.Conn, resp protocol.Response) error {
	var buf bytes.Buffer
	if err := protocol.EncodeResponse(&buf, resp); err != nil {
		return fmt.Errorf("daemon: encode response: %w", err)
	}
	return netio.WriteFrame(conn, d.ioTimeout, buf.Bytes())
}

// peerUID reads SO_PEERCRED off conn to authenticate the connecting process
// by UID rather than by anything on the wire (spec.md §4.3's peer-UID auth).
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("daemon: not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return cred.Uid, nil
}
