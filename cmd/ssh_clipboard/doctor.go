package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianremillard/sshclipboard/internal/netio"
	"github.com/ianremillard/sshclipboard/internal/protocol"
)

// newDoctorCmd dials the local daemon directly (no ssh, no proxy subprocess)
// and reports whether it's reachable and what it currently holds, for
// diagnosing a broken setup before blaming the remote side.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check whether the local daemon is reachable and report its clipboard metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			fmt.Printf("socket path: %s\n", cfg.SocketPath)

			timeout := time.Duration(cfg.IOTimeoutMS) * time.Millisecond
			conn, err := netio.DialUnixTimeout(context.Background(), cfg.SocketPath, timeout)
			if err != nil {
				fmt.Printf("daemon reachable: no (%v)\n", err)
				return nil
			}
			defer conn.Close()
			fmt.Println("daemon reachable: yes")

			var buf bytes.Buffer
			if err := protocol.EncodeRequest(&buf, protocol.NewPeekMetaRequest(1)); err != nil {
				return err
			}
			if err := netio.WriteFrame(conn, timeout, buf.Bytes()); err != nil {
				return fmt.Errorf("write peek_meta request: %w", err)
			}
			payload, err := netio.ReadFrame(conn, timeout, uint32(cfg.MaxSize)+256)
			if err != nil {
				return fmt.Errorf("read peek_meta response: %w", err)
			}
			resp, err := protocol.DecodeResponse(bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("decode peek_meta response: %w", err)
			}

			switch {
			case resp.Kind.IsError():
				fmt.Printf("clipboard state: error (%s: %s)\n", resp.Kind.Error.Code, resp.Kind.Error.Message)
			case resp.Kind.IsEmpty():
				fmt.Println("clipboard state: empty")
			default:
				fmt.Printf("clipboard state: %d bytes of %s, set at %d\n",
					resp.Kind.Meta.Size, resp.Kind.Meta.ContentType, resp.Kind.Meta.CreatedAt)
			}
			return nil
		},
	}
}
