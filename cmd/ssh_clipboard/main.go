// Command ssh_clipboard bridges a local client's clipboard requests over SSH
// to a per-user daemon on the remote host. It exposes the daemon itself, the
// socket-speaking proxy relay SSH invokes on the remote end, and a small set
// of convenience client commands (push/pull/peek/doctor) built on top of the
// same proxy relay run over an SSH subprocess.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianremillard/sshclipboard/internal/config"
	"github.com/ianremillard/sshclipboard/internal/daemon"
)

var rootFlags struct {
	socketPath    string
	configPath    string
	maxSize       uint64
	ioTimeoutMS   uint64
	resyncScanCap int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ssh_clipboard",
		Short:         "Bridge local clipboard requests over SSH to a per-user daemon on the remote host",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&rootFlags.socketPath, "socket-path", "", "path to the daemon's Unix socket (default: resolved from XDG_RUNTIME_DIR/TMPDIR)")
	root.PersistentFlags().StringVar(&rootFlags.configPath, "config", "", "optional YAML config file overlay")
	root.PersistentFlags().Uint64Var(&rootFlags.maxSize, "max-size", 0, "maximum clipboard payload size in bytes (default: 10 MiB)")
	root.PersistentFlags().Uint64Var(&rootFlags.ioTimeoutMS, "io-timeout-ms", 0, "timeout in milliseconds for any single socket operation")
	root.PersistentFlags().IntVar(&rootFlags.resyncScanCap, "resync-scan-cap", 0, "max leading bytes the proxy will discard hunting for a frame")

	root.AddCommand(newDaemonCmd(), newProxyCmd(), newPushCmd(), newPullCmd(), newPeekCmd(), newDoctorCmd())
	return root
}

func resolveConfig() (config.Config, error) {
	return config.Resolve(rootFlags.configPath, config.Config{
		SocketPath:    rootFlags.socketPath,
		MaxSize:       rootFlags.maxSize,
		IOTimeoutMS:   rootFlags.ioTimeoutMS,
		ResyncScanCap: rootFlags.resyncScanCap,
	})
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the clipboard daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := daemon.New(cfg.MaxSize, time.Duration(cfg.IOTimeoutMS)*time.Millisecond)
			return d.Run(ctx, cfg.SocketPath)
		},
	}
}
