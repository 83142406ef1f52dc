// Command ipvmd runs the workflow execution daemon and its companion
// RPC client subcommands, mirroring homestar's `start`/`stop`/`ping`/
// `run` CLI surface (original_source/homestar-runtime/src/cli.rs) over
// this repo's length-prefixed framed protocol instead of tarpc.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/swarmguard/ipvm/internal/config"
	"github.com/swarmguard/ipvm/internal/eventloop"
	"github.com/swarmguard/ipvm/internal/gossip"
	"github.com/swarmguard/ipvm/internal/obs"
	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/rpc"
	"github.com/swarmguard/ipvm/internal/runner"
	"github.com/swarmguard/ipvm/internal/sandbox"
	"github.com/swarmguard/ipvm/internal/scheduler"
	"github.com/swarmguard/ipvm/internal/worker"
	"github.com/swarmguard/ipvm/internal/workflow"
	"github.com/swarmguard/ipvm/internal/workflowstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rpcFlags mirrors homestar's RpcArgs{host, port, timeout}: every
// client subcommand dials the same daemon the same way.
type rpcFlags struct {
	host    string
	port    int
	timeout time.Duration
}

func (f *rpcFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "::1", "daemon RPC host")
	cmd.Flags().IntVarP(&f.port, "port", "p", 3030, "daemon RPC port")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 60*time.Second, "request timeout")
}

func (f *rpcFlags) addr() string {
	return fmt.Sprintf("[%s]:%d", f.host, f.port)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ipvmd",
		Short: "content-addressed WASM workflow execution daemon",
	}
	root.AddCommand(newStartCmd(), newStopCmd(), newPingCmd(), newRunCmd())
	return root
}

func newStartCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		modulesDir string
		daemonDir  string
		detach     bool
	)
	f := &rpcFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the workflow execution daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), startOptions{
				configPath: configPath,
				dbPath:     dbPath,
				modulesDir: modulesDir,
				daemonDir:  daemonDir,
				detach:     detach,
				host:       f.host,
				port:       f.port,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "override DATABASE_URL (bbolt file path)")
	cmd.Flags().StringVar(&modulesDir, "modules-dir", "./modules", "directory of <cid>.wasm modules")
	cmd.Flags().StringVar(&daemonDir, "daemon_dir", ".", "base directory for daemon state")
	cmd.Flags().BoolVarP(&detach, "daemonize", "d", false, "detach from the controlling terminal (unsupported on this platform, logged and ignored)")
	f.register(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	f := &rpcFlags{}
	cmd := &cobra.Command{
		Use:   "stop <workflow-cid>",
		Short: "cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfCID, err := cid.Decode(args[0])
			if err != nil {
				return fmt.Errorf("parse workflow cid: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			c := rpc.NewClient(f.addr(), f.timeout)
			if err := c.Stop(ctx, wfCID); err != nil {
				return err
			}
			printTable([][2]string{{"workflow", wfCID.String()}, {"status", "stopped"}})
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newPingCmd() *cobra.Command {
	f := &rpcFlags{}
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "check daemon reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			c := rpc.NewClient(f.addr(), f.timeout)
			resp, err := c.Ping(ctx)
			if err != nil {
				return err
			}
			printTable([][2]string{{"addr", resp.Addr}, {"status", "ok"}})
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		name       string
		workflowFn string
	)
	f := &rpcFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "submit a workflow for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(workflowFn)
			if err != nil {
				return fmt.Errorf("read workflow file: %w", err)
			}
			if _, err := workflow.Decode(data); err != nil {
				return fmt.Errorf("decode workflow file: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			c := rpc.NewClient(f.addr(), f.timeout)
			ack, err := c.Run(ctx, name, data)
			if err != nil {
				return err
			}
			printTable([][2]string{
				{"workflow_cid", ack.WorkflowCID.String()},
				{"already_running", fmt.Sprintf("%t", ack.AlreadyRan)},
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "workflow name (defaults to its CID)")
	cmd.Flags().StringVarP(&workflowFn, "workflow", "w", "", "path to a DAG-CBOR-encoded workflow file")
	cmd.MarkFlagRequired("workflow")
	f.register(cmd)
	return cmd
}

type startOptions struct {
	configPath string
	dbPath     string
	modulesDir string
	daemonDir  string
	detach     bool
	host       string
	port       int
}

func runDaemon(ctx context.Context, opts startOptions) error {
	logger := obs.InitLogging("ipvmd")
	if opts.detach {
		logger.Warn("daemonize requested but unsupported on this platform; running in the foreground")
	}

	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		return err
	}
	net := &cfg.Node.Network
	if opts.host != "" {
		net.RPCHost = opts.host
	}
	if opts.port != 0 {
		net.RPCPort = opts.port
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := obs.InitTracer(ctx, "ipvmd")
	shutdownMetrics, meter := obs.InitMetrics(ctx, "ipvmd")
	defer func() {
		obs.Flush(context.Background(), shutdownTrace)
		obs.Flush(context.Background(), shutdownMetrics)
	}()

	dbPath := opts.dbPath
	if dbPath == "" {
		dbPath = os.Getenv("DATABASE_URL")
	}
	if dbPath == "" {
		dbPath = opts.daemonDir + "/ipvmd.db"
	}

	receipts, err := receiptstore.Open(dbPath, meter)
	if err != nil {
		return fmt.Errorf("open receipt store: %w", err)
	}
	defer receipts.Close()

	workflows, err := workflowstore.Open(dbPath+".workflows", meter)
	if err != nil {
		return fmt.Errorf("open workflow store: %w", err)
	}
	defer workflows.Close()

	sb, err := sandbox.NewWazero(ctx, sandbox.NewDirModuleSource(opts.modulesDir))
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}
	defer sb.Close(context.Background())

	mediator := eventloop.New(256)

	var gossipAdapter *gossip.Adapter
	if net.NATSURL != "" {
		nc, err := nats.Connect(net.NATSURL)
		if err != nil {
			logger.Warn("gossip disabled: could not connect to NATS", "url", net.NATSURL, "error", err)
		} else {
			defer nc.Close()
			gossipAdapter = gossip.NewAdapter(nc, mediator, 5*time.Minute)
		}
	}

	settings := worker.Settings{
		MaxParallel:     net.MaxParallel,
		Retries:         net.Retries,
		P2PCheckTimeout: net.P2PCheckTimeout,
		ShutdownTimeout: net.ShutdownTimeout,
	}
	rn := runner.New(receipts, workflows, sb, gossipAdapter, mediator, settings, logger, meter)

	sched := scheduler.New(workflows, rn, logger, meter)
	sched.Start()
	defer sched.Stop(context.Background())

	addr := fmt.Sprintf("[%s]:%d", net.RPCHost, net.RPCPort)
	ln, err := listen(addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	srv := rpc.NewServer(rn)
	logger.Info("ipvmd listening", "addr", addr)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), net.ShutdownTimeout)
	defer cancel()
	stopped := rn.StopAll(shutdownCtx, "daemon shutdown")
	logger.Info("shutdown complete", "workflows_stopped", stopped)
	return nil
}

func printTable(rows [][2]string) {
	w := newTabWriter(os.Stdout)
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	w.Flush()
}
