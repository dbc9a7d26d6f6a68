// Command legion runs the static-content HTTPS server described in the
// design: a single listener, an epoll-driven reactor, and a bounded worker
// pool serving a read-only asset cache.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shackleb0lt/legion/internal/config"
	"github.com/shackleb0lt/legion/internal/logging"
	"github.com/shackleb0lt/legion/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		ip        string
		port      int
		assetRoot string
		daemonize bool
		certFile  string
		keyFile   string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:           "legion",
		Short:         "legion serves a fixed set of files over HTTPS",
		SilenceUsage:  false,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(debug)

			cfg := config.Config{
				IP:        ip,
				Port:      port,
				AssetRoot: assetRoot,
				Daemonize: daemonize,
				CertFile:  certFile,
				KeyFile:   keyFile,
				Logger:    log,
			}

			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&ip, "ip", "i", "", "bind IP address (default: dual-stack wildcard)")
	flags.IntVarP(&port, "port", "p", config.DefaultPort, "bind port")
	flags.StringVarP(&assetRoot, "asset-root", "a", "", "directory of files to serve (required)")
	flags.BoolVarP(&daemonize, "daemonize", "d", false, "request daemonized operation (logged only; legion stays in the foreground)")
	flags.StringVarP(&certFile, "cert", "c", "", "TLS certificate file (required)")
	flags.StringVarP(&keyFile, "key", "k", "", "TLS private key file (required)")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

// run builds and drives the server, wiring OS signals to graceful
// shutdown (spec §5 "Cancellation").
func run(cfg config.Config) error {
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		cfg.Logger.WithField("signal", sig).Info("legion: shutting down")
		srv.Shutdown()
	}()

	if daemonizeRequested(cfg) {
		// Detaching from the controlling terminal is an external
		// collaborator per spec §1; legion itself only records the
		// intent and logs it, since fork/setsid plumbing belongs to
		// the process supervisor in production deployments.
		cfg.Logger.Info("legion: daemonize requested; running in foreground under this process's controlling supervisor")
	}

	return srv.Run()
}

func daemonizeRequested(cfg config.Config) bool {
	return cfg.Daemonize
}
