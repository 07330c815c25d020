package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianremillard/sshclipboard/internal/clipboard"
	"github.com/ianremillard/sshclipboard/internal/framing"
	"github.com/ianremillard/sshclipboard/internal/proxy"
	"github.com/ianremillard/sshclipboard/internal/protocol"
)

// sshOptions are the flags shared by push/pull/peek for reaching the remote
// host: they assemble an `ssh -T ... TARGET ssh_clipboard proxy` argv, the
// thin-client pattern described alongside the daemon/proxy core.
type sshOptions struct {
	port       int
	identity   string
	extraOpts  []string
	remoteName string
}

func addSSHFlags(cmd *cobra.Command, o *sshOptions) {
	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "SSH port (default: ssh's own default)")
	cmd.Flags().StringVarP(&o.identity, "identity", "i", "", "SSH identity file")
	cmd.Flags().StringArrayVarP(&o.extraOpts, "ssh-option", "o", nil, "extra -o options passed to ssh, may be repeated")
	cmd.Flags().StringVar(&o.remoteName, "remote-binary", "ssh_clipboard", "name of the ssh_clipboard binary on the remote host")
}

func (o sshOptions) argv(target string) []string {
	argv := []string{"ssh", "-T"}
	if o.port != 0 {
		argv = append(argv, "-p", fmt.Sprint(o.port))
	}
	if o.identity != "" {
		argv = append(argv, "-i", o.identity)
	}
	for _, opt := range o.extraOpts {
		argv = append(argv, "-o", opt)
	}
	argv = append(argv, target, o.remoteName, "proxy")
	return argv
}

// runOverSSH spawns `ssh ... TARGET ssh_clipboard proxy`, writes the framed
// request to its stdin, and returns the framed response payload read back
// from its stdout. It never touches a local OS clipboard API — the local
// side only ever produces or consumes raw bytes on its own stdin/stdout.
func runOverSSH(target string, o sshOptions, reqPayload []byte) ([]byte, error) {
	argv := o.argv(target)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh: %w", err)
	}

	if err := framing.WriteFrame(stdin, reqPayload); err != nil {
		return nil, fmt.Errorf("write request over ssh: %w", err)
	}
	stdin.Close()

	respPayload, err := framing.ReadFrame(stdout, 1<<30)
	if err != nil {
		cmd.Wait()
		return nil, fmt.Errorf("read response over ssh: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		// ssh's own exit code is informational here; the framed response (if
		// we got one) is authoritative about the clipboard operation.
		fmt.Fprintf(os.Stderr, "ssh_clipboard: ssh exited: %v\n", err)
	}
	return respPayload, nil
}

func encodeRequest(req protocol.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResponse(payload []byte) (protocol.Response, error) {
	return protocol.DecodeResponse(bytes.NewReader(payload))
}

func newPushCmd() *cobra.Command {
	var opts sshOptions
	var contentType string
	cmd := &cobra.Command{
		Use:   "push TARGET",
		Short: "Read stdin and set it as the clipboard value on TARGET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("refusing to read clipboard content from a terminal; pipe input instead")
			}
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			v := clipboard.Value{ContentType: contentType, Data: data, CreatedAt: time.Now().UnixMilli()}
			reqPayload, err := encodeRequest(protocol.NewSetRequest(1, v))
			if err != nil {
				return err
			}

			respPayload, err := runOverSSH(args[0], opts, reqPayload)
			if err != nil {
				return err
			}
			resp, err := decodeResponse(respPayload)
			if err != nil {
				return err
			}
			if resp.Kind.IsError() {
				os.Exit(proxy.ExitCode(resp.Kind.Error.Code))
			}
			return nil
		},
	}
	addSSHFlags(cmd, &opts)
	cmd.Flags().StringVar(&contentType, "content-type", clipboard.TextPlain, "MIME type of the pushed content")
	return cmd
}

func newPullCmd() *cobra.Command {
	var opts sshOptions
	cmd := &cobra.Command{
		Use:   "pull TARGET",
		Short: "Get TARGET's clipboard value and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqPayload, err := encodeRequest(protocol.NewGetRequest(1))
			if err != nil {
				return err
			}
			respPayload, err := runOverSSH(args[0], opts, reqPayload)
			if err != nil {
				return err
			}
			resp, err := decodeResponse(respPayload)
			if err != nil {
				return err
			}
			switch {
			case resp.Kind.IsError():
				os.Exit(proxy.ExitCode(resp.Kind.Error.Code))
			case resp.Kind.IsEmpty():
				fmt.Fprintln(os.Stderr, "ssh_clipboard: remote clipboard is empty")
			default:
				os.Stdout.Write(resp.Kind.Value.Data)
			}
			return nil
		},
	}
	addSSHFlags(cmd, &opts)
	return cmd
}

func newPeekCmd() *cobra.Command {
	var opts sshOptions
	cmd := &cobra.Command{
		Use:   "peek TARGET",
		Short: "Print TARGET's clipboard metadata as JSON, without fetching the data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqPayload, err := encodeRequest(protocol.NewPeekMetaRequest(1))
			if err != nil {
				return err
			}
			respPayload, err := runOverSSH(args[0], opts, reqPayload)
			if err != nil {
				return err
			}
			resp, err := decodeResponse(respPayload)
			if err != nil {
				return err
			}
			switch {
			case resp.Kind.IsError():
				os.Exit(proxy.ExitCode(resp.Kind.Error.Code))
			case resp.Kind.IsEmpty():
				fmt.Println("{}")
			default:
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(resp.Kind.Meta)
			}
			return nil
		},
	}
	addSSHFlags(cmd, &opts)
	return cmd
}
