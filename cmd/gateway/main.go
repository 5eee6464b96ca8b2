package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dispatchd/faasgate/pkg/discovery"
	"github.com/dispatchd/faasgate/pkg/gateway"
	"github.com/dispatchd/faasgate/pkg/utils"
)

type GatewayConfig struct {
	General struct {
		ListenAddr          string
		EngineConnPort      int
		HTTPPort            int
		GRPCPort            int
		NumIOWorkers        int
		SocketListenBacklog int
		Hostname            string
		FuncConfigFile      string
	}
	Scheduling struct {
		Policy            string
		MaxPerFuncPerNode int
	}
	Discovery struct {
		EtcdEndpoints string
	}
	Stats struct {
		ReportInterval time.Duration
	}
	Log struct {
		Level    string
		Format   string
		FilePath string
	}
}

func parseArgs() (gc GatewayConfig) {
	flag.StringVar(&(gc.General.ListenAddr), "listen-addr", "0.0.0.0", "Address to bind all listeners on.")
	flag.IntVar(&(gc.General.EngineConnPort), "engine-conn-port", 10007, "Port reserved for backend engine connections.")
	flag.IntVar(&(gc.General.HTTPPort), "http-port", 8080, "Port for HTTP client traffic.")
	flag.IntVar(&(gc.General.GRPCPort), "grpc-port", 0, "Port for gRPC client traffic (0 disables the gRPC front).")
	flag.IntVar(&(gc.General.NumIOWorkers), "num-io-workers", 0, "I/O worker parallelism (0 keeps the runtime default).")
	flag.IntVar(&(gc.General.SocketListenBacklog), "socket-listen-backlog", 64, "Listen backlog hint.")
	flag.StringVar(&(gc.General.Hostname), "hostname", "localhost", "Hostname published to service discovery.")
	flag.StringVar(&(gc.General.FuncConfigFile), "func-config-file", "", "Path to the function config file.")
	flag.StringVar(&(gc.Scheduling.Policy), "schedule-policy", "balanced", "Node pick policy (balanced, round_robin).")
	flag.IntVar(&(gc.Scheduling.MaxPerFuncPerNode), "max-per-func-per-node", 32, "In-flight calls of one function a single node accepts.")
	flag.StringVar(&(gc.Discovery.EtcdEndpoints), "etcd-endpoints", "", "Comma-separated etcd endpoints for service discovery (empty disables).")
	flag.DurationVar(&(gc.Stats.ReportInterval), "stats-report-interval", 30*time.Second, "Interval between stats reports.")
	flag.StringVar(&(gc.Log.Level), "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&(gc.Log.Format), "log-format", "text", "Log format (text, json, dev)")
	flag.StringVar(&(gc.Log.FilePath), "log-file", "", "Log file path (defaults to stdout)")

	flag.Parse()
	return
}

func main() {
	gc := parseArgs()
	logger := utils.SetupLogger(gc.Log.Level, gc.Log.Format, gc.Log.FilePath)

	logger.Info("starting gateway",
		"listen_addr", gc.General.ListenAddr,
		"engine_conn_port", gc.General.EngineConnPort,
		"http_port", gc.General.HTTPPort,
		"grpc_port", gc.General.GRPCPort,
		"func_config_file", gc.General.FuncConfigFile,
		"schedule_policy", gc.Scheduling.Policy,
	)

	if gc.General.NumIOWorkers > 0 {
		runtime.GOMAXPROCS(gc.General.NumIOWorkers)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registrar gateway.Registrar
	if gc.Discovery.EtcdEndpoints != "" {
		registry, err := discovery.NewRegistry(
			strings.Split(gc.Discovery.EtcdEndpoints, ","),
			discovery.Options{},
			logger,
		)
		if err != nil {
			logger.Error("failed to connect to service discovery", "error", err)
			os.Exit(1)
		}
		defer func() {
			if cerr := registry.Close(); cerr != nil {
				logger.Warn("error while closing discovery registry", "error", cerr)
			}
		}()
		registrar = registry
	}

	server, err := gateway.NewServer(gateway.Config{
		ListenAddr:          gc.General.ListenAddr,
		EngineConnPort:      gc.General.EngineConnPort,
		HTTPPort:            gc.General.HTTPPort,
		GRPCPort:            gc.General.GRPCPort,
		NumIOWorkers:        gc.General.NumIOWorkers,
		SocketListenBacklog: gc.General.SocketListenBacklog,
		Hostname:            gc.General.Hostname,
		FuncConfigFile:      gc.General.FuncConfigFile,
		SchedulePolicy:      gc.Scheduling.Policy,
		MaxPerFuncPerNode:   gc.Scheduling.MaxPerFuncPerNode,
		StatsReportInterval: gc.Stats.ReportInterval,
	}, registrar, logger)
	if err != nil {
		logger.Error("failed to build gateway server", "error", err)
		os.Exit(1)
	}

	if err := server.Run(sigCtx); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway shut down")
}
