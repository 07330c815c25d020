package proxy

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
	"github.com/ianremillard/sshclipboard/internal/daemon"
	"github.com/ianremillard/sshclipboard/internal/framing"
	"github.com/ianremillard/sshclipboard/internal/protocol"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "sub", "daemon.sock")
	d := daemon.New(1<<20, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, sockPath)
	t.Cleanup(cancel)

	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			return sockPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon never became ready")
	return ""
}

func encodeFramedRequest(t *testing.T, req protocol.Request) []byte {
	t.Helper()
	var payload bytes.Buffer
	require.NoError(t, protocol.EncodeRequest(&payload, req))
	var framed bytes.Buffer
	require.NoError(t, framing.WriteFrame(&framed, payload.Bytes()))
	return framed.Bytes()
}

func decodeFramedResponse(t *testing.T, raw []byte) protocol.Response {
	t.Helper()
	payload, err := framing.ReadFrame(bytes.NewReader(raw), 1<<20)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func testOptions(sockPath string) Options {
	return Options{
		SocketPath:    sockPath,
		MaxSize:       1 << 20,
		IOTimeout:     2 * time.Second,
		ResyncScanCap: 4096,
	}
}

func TestProxyRelaysSetRequest(t *testing.T) {
	sock := startDaemon(t)
	v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte("relayed"), CreatedAt: 1}
	in := bytes.NewReader(encodeFramedRequest(t, protocol.NewSetRequest(1, v)))
	var out bytes.Buffer

	code := Run(context.Background(), in, &out, testOptions(sock))
	assert.Equal(t, 0, code)
	resp := decodeFramedResponse(t, out.Bytes())
	assert.True(t, resp.Kind.IsOk())
}

func TestProxyRelaysOversizeErrorWithExitCode3(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sub", "daemon.sock")
	d := daemon.New(4, 2*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, sockPath)
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	v := clipboard.Value{ContentType: clipboard.TextPlain, Data: []byte("too long for 4 bytes"), CreatedAt: 1}
	in := bytes.NewReader(encodeFramedRequest(t, protocol.NewSetRequest(1, v)))
	var out bytes.Buffer

	code := Run(context.Background(), in, &out, testOptions(sockPath))
	assert.Equal(t, 3, code)
	resp := decodeFramedResponse(t, out.Bytes())
	require.True(t, resp.Kind.IsError())
	assert.Equal(t, protocol.ErrPayloadTooLarge, resp.Kind.Error.Code)
}

func TestProxyWithoutAutostartReturnsDaemonNotRunningExit4(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "nonexistent.sock")
	in := bytes.NewReader(encodeFramedRequest(t, protocol.NewGetRequest(42)))
	var out bytes.Buffer

	opts := testOptions(sockPath)
	opts.IOTimeout = 200 * time.Millisecond
	code := Run(context.Background(), in, &out, opts)

	assert.Equal(t, 4, code)
	resp := decodeFramedResponse(t, out.Bytes())
	require.True(t, resp.Kind.IsError())
	assert.Equal(t, protocol.ErrDaemonNotRunning, resp.Kind.Error.Code)
	assert.Equal(t, uint64(42), resp.RequestID)
}

func TestProxyGetOnEmptyClipboard(t *testing.T) {
	sock := startDaemon(t)
	in := bytes.NewReader(encodeFramedRequest(t, protocol.NewGetRequest(7)))
	var out bytes.Buffer

	code := Run(context.Background(), in, &out, testOptions(sock))
	assert.Equal(t, 0, code)
	resp := decodeFramedResponse(t, out.Bytes())
	assert.True(t, resp.Kind.IsEmpty())
}

func TestExitCodeMapping(t *testing.T) {
	cases := map[protocol.ErrorCode]int{
		protocol.ErrInvalidRequest:   2,
		protocol.ErrInvalidUTF8:      2,
		protocol.ErrVersionMismatch:  2,
		protocol.ErrPayloadTooLarge:  3,
		protocol.ErrDaemonNotRunning: 4,
		protocol.ErrInternal:         5,
	}
	for code, want := range cases {
		assert.Equal(t, want, ExitCode(code))
	}
}
