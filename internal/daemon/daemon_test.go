package daemon

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/sshclipboard/internal/clipboard"
	"github.com/ianremillard/sshclipboard/internal/framing"
	"github.com/ianremillard/sshclipboard/internal/protocol"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "sub", "daemon.sock")
	d := New(1<<20, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			if _, err := net.Dial("unix", sockPath); err == nil {
				close(ready)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(ready)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, sockPath) }()

	<-ready
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})
	return sockPath
}

func roundTrip(t *testing.T, sockPath string, req protocol.Request) protocol.Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	require.NoError(t, protocol.EncodeRequest(&buf, req))
	require.NoError(t, framing.WriteFrame(conn, buf.Bytes()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := framing.ReadFrame(conn, 1<<20)
	require.NoError(t, err)

	resp, err := protocol.DecodeResponse(bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestGetOnEmptyClipboardReturnsEmpty(t *testing.T) {
	sock := startTestDaemon(t)
	resp := roundTrip(t, sock, protocol.NewGetRequest(1))
	assert.True(t, resp.Kind.IsEmpty())
}

func TestSetThenGetRoundTrips(t *testing.T) {
	sock := startTestDaemon(t)
	v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte("hello"), CreatedAt: 100}

	setResp := roundTrip(t, sock, protocol.NewSetRequest(1, v))
	require.True(t, setResp.Kind.IsOk())

	getResp := roundTrip(t, sock, protocol.NewGetRequest(2))
	require.NotNil(t, getResp.Kind.Value)
	assert.Equal(t, v.ContentType, getResp.Kind.Value.ContentType)
	assert.Equal(t, v.Data, getResp.Kind.Value.Data)
}

func TestPeekMetaAfterSetReportsSizeWithoutData(t *testing.T) {
	sock := startTestDaemon(t)
	v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte("hello world"), CreatedAt: 5}
	require.True(t, roundTrip(t, sock, protocol.NewSetRequest(1, v)).Kind.IsOk())

	resp := roundTrip(t, sock, protocol.NewPeekMetaRequest(2))
	require.NotNil(t, resp.Kind.Meta)
	assert.Equal(t, uint64(len(v.Data)), resp.Kind.Meta.Size)
	assert.Equal(t, v.ContentType, resp.Kind.Meta.ContentType)
}

func TestSetRejectsOversizePayload(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sub", "daemon.sock")
	d := New(4, time.Second) // tiny max size

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, sockPath)
	waitForSocket(t, sockPath)

	v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte("too long"), CreatedAt: 1}
	resp := roundTrip(t, sockPath, protocol.NewSetRequest(9, v))
	require.True(t, resp.Kind.IsError())
	assert.Equal(t, protocol.ErrPayloadTooLarge, resp.Kind.Error.Code)
}

func TestSetRejectsInvalidUTF8(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sub", "daemon.sock")
	d := New(1<<20, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, sockPath)
	waitForSocket(t, sockPath)

	v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte{0xff, 0xfe}, CreatedAt: 1}
	resp := roundTrip(t, sockPath, protocol.NewSetRequest(9, v))
	require.True(t, resp.Kind.IsError())
	assert.Equal(t, protocol.ErrInvalidUTF8, resp.Kind.Error.Code)
}

func TestSetRejectsUnknownContentType(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sub", "daemon.sock")
	d := New(1<<20, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, sockPath)
	waitForSocket(t, sockPath)

	v := clipboard.Value{ContentType: "application/octet-stream", Data: []byte("x"), CreatedAt: 1}
	resp := roundTrip(t, sockPath, protocol.NewSetRequest(9, v))
	require.True(t, resp.Kind.IsError())
	assert.Equal(t, protocol.ErrInvalidRequest, resp.Kind.Error.Code)
}

func TestConcurrentSetsLeaveOneConsistentValue(t *testing.T) {
	// P5: linearizability — after N concurrent Sets, Get must return exactly
	// one of the values written, never a mix of two.
	sock := startTestDaemon(t)

	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte{byte('a' + i)}, CreatedAt: int64(i)}
			roundTrip(t, sock, protocol.NewSetRequest(uint64(i), v))
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	resp := roundTrip(t, sock, protocol.NewGetRequest(999))
	require.NotNil(t, resp.Kind.Value)
	assert.Len(t, resp.Kind.Value.Data, 1)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon socket %s never became ready", path)
}
