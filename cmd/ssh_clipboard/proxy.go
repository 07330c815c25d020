package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianremillard/sshclipboard/internal/proxy"
)

func newProxyCmd() *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Relay one framed request from stdin to the daemon and the framed response back to stdout",
		Long: "proxy is what the remote end of an SSH session runs: it reads exactly one\n" +
			"framed request off stdin, forwards it to the local daemon, writes the\n" +
			"framed response to stdout, and exits with a code reflecting the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			opts := proxy.Options{
				SocketPath:      cfg.SocketPath,
				MaxSize:         cfg.MaxSize,
				IOTimeout:       time.Duration(cfg.IOTimeoutMS) * time.Millisecond,
				ResyncScanCap:   cfg.ResyncScanCap,
				AutostartDaemon: autostart,
				DaemonArgv:      []string{selfExecutable(), "daemon", "--socket-path", cfg.SocketPath},
			}

			code := proxy.Run(context.Background(), os.Stdin, os.Stdout, opts)
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart-daemon", true, "spawn the daemon if the socket can't be dialed")
	return cmd
}

// selfExecutable returns the path used to re-invoke this same binary for
// autostarting the daemon. Falls back to the argv[0] the shell resolved for
// us if the exact executable path can't be determined.
func selfExecutable() string {
	if p, err := os.Executable(); err == nil {
		return p
	}
	return os.Args[0]
}
