package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/agentcore/pkg/agent"
	"github.com/cuemby/agentcore/pkg/checkpoint"
	"github.com/cuemby/agentcore/pkg/config"
	"github.com/cuemby/agentcore/pkg/gc"
	"github.com/cuemby/agentcore/pkg/isolator"
	"github.com/cuemby/agentcore/pkg/isolator/containerd"
	"github.com/cuemby/agentcore/pkg/isolator/process"
	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/metrics"
	"github.com/cuemby/agentcore/pkg/reaper"
	"github.com/cuemby/agentcore/pkg/registry"
	"github.com/cuemby/agentcore/pkg/runtime"
	"github.com/cuemby/agentcore/pkg/statusupdate"
	"github.com/cuemby/agentcore/pkg/transport/loopback"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agentcore",
	Short:   "agentcore runs the node-agent that supervises executors and relays status updates to a master",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentcore version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("config", "", "path to a YAML config file merged over defaults")
	runCmd.Flags().String("work-dir", "", "override work_dir")
	runCmd.Flags().String("launcher-dir", "", "override launcher_dir")
	runCmd.Flags().String("hostname", "", "agent hostname reported at registration (defaults to os.Hostname)")
	runCmd.Flags().String("containerd-socket", "", "containerd socket; when set, image-carrying executors launch through containerd instead of as plain processes")
	runCmd.Flags().String("metrics-addr", ":9090", "address the Prometheus /metrics endpoint listens on")
	runCmd.Flags().String("log-level", "info", "debug, info, warn, or error")
	runCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of the console writer")
	runCmd.Flags().Bool("local", true, "drive the agent against an in-process loopback master instead of a real one; the only transport this core implements, since wire framing is out of scope")
	runCmd.Flags().Bool("strict", false, "abort the process on any recovery error instead of continuing as a cold start")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if v, _ := flags.GetString("work-dir"); v != "" {
		cfg.WorkDir = v
	}
	if v, _ := flags.GetString("launcher-dir"); v != "" {
		cfg.LauncherDir = v
	}
	if v, _ := flags.GetString("hostname"); v != "" {
		cfg.Hostname = v
	} else if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	if v, _ := flags.GetBool("strict"); v {
		cfg.Strict = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("cmd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agentID, ok, err := checkpoint.DiscoverAgentID(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("discover agent id: %w", err)
	}
	if ok {
		logger.Info().Str("agent_id", string(agentID)).Msg("warm start: checkpointed agent-id found")
	} else {
		logger.Info().Msg("cold start: no checkpointed agent-id found")
	}

	store := checkpoint.New(cfg.WorkDir, agentID)

	iso, err := buildIsolator(flags)
	if err != nil {
		return fmt.Errorf("build isolator: %w", err)
	}

	executorLink := loopback.NewExecutorLink(64)
	masterLink, masterPeer := loopback.NewMasterPair(64)

	su := statusupdate.New(store, masterLink)
	reg := registry.New(iso, store, su, executorLink, cfg)
	rp := reaper.New()
	a := agent.New(masterLink, executorLink, reg, su, store, iso, rp, cfg)

	go reg.Run(ctx)
	go su.Run(ctx)
	go rp.Run(ctx)

	recoveredID, err := a.Recover(ctx)
	if err != nil && cfg.Strict {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if recoveredID != "" {
		agentID = recoveredID
	}

	gcController := gc.New(
		&gc.StatfsProbe{},
		&gc.DirLister{Root: cfg.WorkDir},
		&gc.RemoveAllCollector{},
		gc.Config{WatchInterval: cfg.DiskWatchInterval, MaxAge: cfg.GCDelay, MinAge: cfg.GCMinAge, Dir: cfg.WorkDir},
	)
	go gcController.Run(ctx)

	metricsAddr, _ := flags.GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	if local, _ := flags.GetBool("local"); local {
		go runDevMaster(ctx, masterPeer, agentID)
	}

	go a.Run(ctx, agentID, cfg.Hostname, cfg.Attributes)
	a.NewMasterDetected()

	logger.Info().Str("work_dir", cfg.WorkDir).Str("metrics_addr", metricsAddr).Msg("agent running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return nil
}

// buildIsolator selects the executor backend. Without --containerd-socket,
// every executor runs as a plain process. With it, executors are split
// between the process and containerd backends by dualIsolator, based on
// whether each one's ExecutorInfo carries an image reference.
func buildIsolator(flags *pflag.FlagSet) (isolator.Isolator, error) {
	socket, _ := flags.GetString("containerd-socket")
	if socket == "" {
		return process.New(), nil
	}
	rt, err := runtime.NewContainerdRuntime(socket)
	if err != nil {
		return nil, fmt.Errorf("connect containerd at %s: %w", socket, err)
	}
	return newDualIsolator(process.New(), containerd.New(rt)), nil
}
