package gateway

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dispatchd/faasgate/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// rawCodec passes request and response frames through untouched. Configured
// functions own their message encoding; the gateway never interprets it.
type rawCodec struct{}

func (rawCodec) Name() string { return "faasgate-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: cannot marshal %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: cannot unmarshal into %T", v)
	}
	*p = data
	return nil
}

// asyncMetadataKey marks a gRPC call as fire-and-forget.
const asyncMetadataKey = "faasgate-async"

// grpcClientConn adapts one gRPC call to the ClientConn capability.
type grpcClientConn struct {
	id   int
	done chan struct{}
}

func (c *grpcClientConn) ID() int        { return c.id }
func (c *grpcClientConn) Type() ConnType { return ConnTypeGRPC }

func (c *grpcClientConn) OnFuncCallFinished(*FuncCallContext) {
	close(c.done)
}

// GRPCFront exposes configured gRPC-service functions. It accepts any
// service/method pair via the unknown-service handler and resolves it
// against the function config, so adding a service needs no generated stubs.
type GRPCFront struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewGRPCFront(dispatcher *Dispatcher, logger *slog.Logger) *GRPCFront {
	return &GRPCFront{
		dispatcher: dispatcher,
		logger:     logger.With("component", "grpc_front"),
	}
}

// Server builds the grpc.Server backing this front.
func (f *GRPCFront) Server(logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(f.handleStream),
		grpc.ChainStreamInterceptor(utils.StreamInterceptorLogger(logger)),
	)
}

func (f *GRPCFront) handleStream(_ any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream context")
	}
	service, method, ok := splitFullMethod(fullMethod)
	if !ok {
		return status.Errorf(codes.Unimplemented, "malformed method %q", fullMethod)
	}

	var input []byte
	if err := stream.RecvMsg(&input); err != nil {
		return err
	}

	isAsync := false
	if md, found := metadata.FromIncomingContext(stream.Context()); found {
		isAsync = len(md.Get(asyncMetadataKey)) > 0
	}

	fctx := &FuncCallContext{
		FuncName:   service,
		MethodName: method,
		Input:      input,
		IsAsync:    isAsync,
	}
	conn := &grpcClientConn{
		id:   f.dispatcher.AllocConnID(),
		done: make(chan struct{}),
	}
	f.dispatcher.RegisterClientConn(conn)
	f.dispatcher.OnNewCall(conn, fctx)

	// Completion wins over a simultaneous client disconnect, as in the HTTP
	// front.
	select {
	case <-conn.done:
	default:
		select {
		case <-conn.done:
		case <-stream.Context().Done():
			f.dispatcher.DiscardCall(fctx.FuncCall())
			f.dispatcher.UnregisterClientConn(conn.id)
			return status.FromContextError(stream.Context().Err()).Err()
		}
	}
	f.dispatcher.UnregisterClientConn(conn.id)

	switch fctx.Status {
	case StatusSuccess:
		return stream.SendMsg(fctx.Output)
	case StatusNotFound:
		return status.Errorf(codes.NotFound, "unknown method %q", fullMethod)
	case StatusFailed:
		return status.Error(codes.Internal, "function call failed")
	default:
		return status.Error(codes.Internal, "unexpected call status")
	}
}

// splitFullMethod parses "/package.Service/Method".
func splitFullMethod(fullMethod string) (service, method string, ok bool) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	service, method, found := strings.Cut(trimmed, "/")
	if !found || service == "" || method == "" {
		return "", "", false
	}
	return service, method, true
}
