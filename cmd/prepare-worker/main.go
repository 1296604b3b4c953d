// Binary prepare-worker is the sandboxed PVF preparation worker: it serves
// one host connection over a Unix domain socket, compiling WebAssembly
// validation blobs into native artifacts inside a CPU-time-capped sandbox
// child.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/jpserrat/pvf-prepare-worker/internal/compiler"
	"github.com/jpserrat/pvf-prepare-worker/internal/log"
	"github.com/jpserrat/pvf-prepare-worker/internal/retry"
	"github.com/jpserrat/pvf-prepare-worker/internal/sandbox"
	"github.com/jpserrat/pvf-prepare-worker/internal/supervisor"
	"github.com/jpserrat/pvf-prepare-worker/internal/worker"
)

// workerVersion is this binary's self-reported version, compared against
// the host's expectation during the handshake. Overridden at build time
// via -ldflags "-X main.workerVersion=...".
var workerVersion = "dev"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&serveCmd{}, "")

	// sandboxChildCmd is registered under an "internal use only" group:
	// nothing outside this binary's own supervisor package ever invokes
	// it deliberately.
	subcommands.Register(&sandboxChildCmd{}, "internal use only")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// serveCmd implements subcommands.Command for "serve", the default
// long-lived entrypoint the host spawns.
type serveCmd struct {
	socketPath    string
	workerDir     string
	nodeVersion   string
	verbosity     string
	securityState string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "serve prepare requests over a host socket" }
func (*serveCmd) Usage() string {
	return `serve -socket-path=<path> -worker-dir=<dir> [-node-version=<v>] [-security-status=<s>]
  Run the long-lived prepare-worker request loop.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socketPath, "socket-path", "", "path to the Unix domain socket the host listens on")
	f.StringVar(&c.workerDir, "worker-dir", "", "directory containing the reserved artifact temp path")
	f.StringVar(&c.nodeVersion, "node-version", "", "node version the host expects this worker to match")
	f.StringVar(&c.verbosity, "log-level", "", "log verbosity (debug, info, warn, error); overrides WORKER_LOG")
	f.StringVar(&c.securityState, "security-status", "", "security status descriptor reported by the host spawn contract")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.verbosity != "" {
		log.SetLevel(c.verbosity)
	}
	if c.socketPath == "" || c.workerDir == "" {
		fmt.Fprintln(os.Stderr, "serve: -socket-path and -worker-dir are required")
		return subcommands.ExitUsageError
	}

	log.Infof("***************************")
	log.Infof("prepare-worker %s starting", workerVersion)
	log.Infof("socket: %s, worker dir: %s, security: %q", c.socketPath, c.workerDir, c.securityState)
	log.Infof("***************************")

	exe, err := os.Executable()
	if err != nil {
		log.Errorf("serve: resolve own executable: %v", err)
		return subcommands.ExitFailure
	}

	var conn net.Conn
	err = retry.Connect(ctx, connectTimeout, func() error {
		var dialErr error
		conn, dialErr = net.Dial("unix", c.socketPath)
		return dialErr
	})
	if err != nil {
		log.Errorf("serve: connect to host socket %s: %v", c.socketPath, err)
		return subcommands.ExitFailure
	}
	defer conn.Close()

	sup := supervisor.New(exe, c.workerDir)
	sup.LogLevel = c.verbosity
	loop := worker.NewLoop(sup, workerVersion)
	if err := loop.Serve(conn, c.nodeVersion); err != nil {
		log.Errorf("serve: request loop exited: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

const connectTimeout = 5 * time.Second

// sandboxChildCmd implements subcommands.Command for the hidden
// "sandbox-child" subcommand: this is what Supervisor.Prepare re-execs in
// place of a fork(2).
type sandboxChildCmd struct{}

func (*sandboxChildCmd) Name() string     { return "sandbox-child" }
func (*sandboxChildCmd) Synopsis() string { return "internal: run as the sandboxed prepare child" }
func (*sandboxChildCmd) Usage() string {
	return `sandbox-child - internal use only, invoked by the worker's own supervisor.
`
}
func (*sandboxChildCmd) SetFlags(*flag.FlagSet) {}

func (*sandboxChildCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	// NativeCompile/NativeConstructRuntime are left unset: the actual
	// WebAssembly compiler engine is consumed as a compile primitive
	// rather than implemented here. A real deployment links a compiler
	// package and sets both fields before handing the engine to RunChild.
	engine := &compiler.StructuralEngine{}
	code := sandbox.RunChild(engine)
	return subcommands.ExitStatus(code)
}
