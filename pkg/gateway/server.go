package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/dispatchd/faasgate/pkg/funcconfig"
)

// Config carries everything the gateway needs to come up. Fatal validation
// happens in NewServer; bind failures surface from Run.
type Config struct {
	ListenAddr     string
	EngineConnPort int
	HTTPPort       int
	// GRPCPort <= 0 disables the gRPC front.
	GRPCPort int

	NumIOWorkers        int
	SocketListenBacklog int
	Hostname            string

	FuncConfigFile string

	SchedulePolicy      string
	MaxPerFuncPerNode   int
	StatsReportInterval time.Duration
}

// Registrar publishes the gateway's engine-facing address so engines can
// connect back. Implemented by the etcd registry.
type Registrar interface {
	RegisterSelf(ctx context.Context, addr string) error
}

// Server owns the three listeners and glues the fronts, the dispatcher and
// the engine accept loop together.
type Server struct {
	cfg        Config
	funcConfig *funcconfig.Config
	nodes      NodeManager
	stats      *StatsBlock
	dispatcher *Dispatcher
	httpFront  *HTTPFront
	grpcFront  *GRPCFront
	registrar  Registrar
	logger     *slog.Logger
}

func NewServer(cfg Config, registrar Registrar, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("gateway: listen address is required")
	}
	if cfg.EngineConnPort <= 0 || cfg.HTTPPort <= 0 {
		return nil, errors.New("gateway: engine and HTTP ports are required")
	}
	if cfg.FuncConfigFile == "" {
		return nil, errors.New("gateway: function config file is required")
	}
	if cfg.SchedulePolicy == "" {
		cfg.SchedulePolicy = "balanced"
	}
	if cfg.MaxPerFuncPerNode <= 0 {
		cfg.MaxPerFuncPerNode = 32
	}
	if cfg.StatsReportInterval <= 0 {
		cfg.StatsReportInterval = 30 * time.Second
	}

	funcCfg, err := funcconfig.Load(cfg.FuncConfigFile)
	if err != nil {
		return nil, err
	}

	nodes := NewNodeManager(cfg.SchedulePolicy, cfg.MaxPerFuncPerNode, logger)
	if nodes == nil {
		return nil, fmt.Errorf("gateway: unknown schedule policy %q", cfg.SchedulePolicy)
	}

	stats := NewStatsBlock(logger)
	dispatcher := NewDispatcher(funcCfg, nodes, stats, logger)

	return &Server{
		cfg:        cfg,
		funcConfig: funcCfg,
		nodes:      nodes,
		stats:      stats,
		dispatcher: dispatcher,
		httpFront:  NewHTTPFront(dispatcher, logger),
		grpcFront:  NewGRPCFront(dispatcher, logger),
		registrar:  registrar,
		logger:     logger.With("component", "server"),
	}, nil
}

// Dispatcher exposes the dispatch core, mainly for the admin surface and
// tests.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// EngineAddr is the address engines should dial, as published to discovery.
func (s *Server) EngineAddr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Hostname, s.cfg.EngineConnPort)
}

// Run binds all listeners, publishes the discovery record, and serves until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	engineLis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.EngineConnPort))
	if err != nil {
		return fmt.Errorf("gateway: listen for engine connections: %w", err)
	}
	s.logger.Info("listening for engine connections", "addr", engineLis.Addr(), "backlog_hint", s.cfg.SocketListenBacklog)

	httpLis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.HTTPPort))
	if err != nil {
		engineLis.Close()
		return fmt.Errorf("gateway: listen for HTTP requests: %w", err)
	}
	s.logger.Info("listening for HTTP requests", "addr", httpLis.Addr())

	var grpcLis net.Listener
	if s.cfg.GRPCPort > 0 {
		grpcLis, err = net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.GRPCPort))
		if err != nil {
			engineLis.Close()
			httpLis.Close()
			return fmt.Errorf("gateway: listen for gRPC requests: %w", err)
		}
		s.logger.Info("listening for gRPC requests", "addr", grpcLis.Addr())
	}

	if s.registrar != nil {
		if err := s.registrar.RegisterSelf(ctx, s.EngineAddr()); err != nil {
			engineLis.Close()
			httpLis.Close()
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("gateway: publish gateway address: %w", err)
		}
		s.logger.Info("published gateway address", "addr", s.EngineAddr())
	}

	httpServer := &http.Server{Handler: s.httpFront.Handler()}
	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = s.grpcFront.Server(s.logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptEngineConnections(gctx, engineLis)
	})
	g.Go(func() error {
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			return grpcServer.Serve(grpcLis)
		})
	}
	g.Go(func() error {
		s.stats.Run(gctx, s.cfg.StatsReportInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		engineLis.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP shutdown", "error", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptEngineConnections(ctx context.Context, lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleEngineConnection(conn)
	}
}

// handleEngineConnection runs the handshake and then the link's read loop
// until the engine goes away.
func (s *Server) handleEngineConnection(conn net.Conn) {
	link, err := AcceptEngineLink(conn, s.logger)
	if err != nil {
		s.logger.Error("rejected engine connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	s.logger.Info("new engine connection", "node_id", link.NodeID(), "conn_id", link.ConnID(), "remote", conn.RemoteAddr())

	key := engineConnKey(link.NodeID(), link.ConnID())
	s.dispatcher.table.mu.Lock()
	s.dispatcher.table.engineConnections[key] = link
	s.dispatcher.table.mu.Unlock()

	s.nodes.RegisterLink(link)
	s.dispatcher.OnNodeAvailable(link.NodeID())

	err = link.ReadLoop(s.dispatcher.OnEngineMessage)
	s.logger.Warn("engine connection closed", "node_id", link.NodeID(), "conn_id", link.ConnID(), "error", err)

	s.nodes.UnregisterLink(link.NodeID(), link.ConnID())
	s.dispatcher.table.mu.Lock()
	delete(s.dispatcher.table.engineConnections, key)
	s.dispatcher.table.mu.Unlock()
	link.Close()
}
