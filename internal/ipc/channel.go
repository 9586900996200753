package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the gRPC service carrying the worker channel
	ServiceName = "supervisor.v1.WorkerChannel"
	// MetadataTenantID identifies the tenant a connecting worker serves
	MetadataTenantID = "x-tenant-id"
	// MetadataWorkerToken is the one-time token handed to the worker at spawn
	MetadataWorkerToken = "x-worker-token"

	connectMethod = "/" + ServiceName + "/Connect"
)

// ChannelServer is implemented by the supervisor to accept worker streams
type ChannelServer interface {
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes the worker channel: one bidirectional stream of
// structpb frames per worker process.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChannelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "supervisor/v1/channel.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Connect(stream)
}

// RegisterChannelServer registers the worker channel on a gRPC server
func RegisterChannelServer(s grpc.ServiceRegistrar, srv ChannelServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Identity reads the tenant ID and worker token from an incoming stream
func Identity(ctx context.Context) (tenantID, token string, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", "", errors.New("stream has no metadata")
	}
	tenants := md.Get(MetadataTenantID)
	tokens := md.Get(MetadataWorkerToken)
	if len(tenants) == 0 || tenants[0] == "" {
		return "", "", errors.New("stream has no tenant id")
	}
	if len(tokens) == 0 || tokens[0] == "" {
		return "", "", errors.New("stream has no worker token")
	}
	return tenants[0], tokens[0], nil
}

// SupervisorStream is the supervisor end of a worker channel
type SupervisorStream struct {
	stream grpc.ServerStream
	sendMu sync.Mutex
}

// NewSupervisorStream wraps an accepted server stream
func NewSupervisorStream(stream grpc.ServerStream) *SupervisorStream {
	return &SupervisorStream{stream: stream}
}

// Context returns the stream context, canceled when the worker disconnects
func (s *SupervisorStream) Context() context.Context {
	return s.stream.Context()
}

// Send writes a command to the worker
func (s *SupervisorStream) Send(cmd Command) error {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(frame)
}

// Recv blocks for the next event from the worker
func (s *SupervisorStream) Recv() (Event, error) {
	frame := &structpb.Struct{}
	if err := s.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	ev, err := DecodeEvent(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return ev, nil
}

// WorkerConn is the worker end of a worker channel
type WorkerConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	sendMu sync.Mutex
}

// Dial connects a worker to the supervisor socket and opens its channel
func Dial(ctx context.Context, socketPath, tenantID, token string) (*WorkerConn, error) {
	conn, err := grpc.NewClient("unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel client: %w", err)
	}

	streamCtx := metadata.AppendToOutgoingContext(ctx,
		MetadataTenantID, tenantID,
		MetadataWorkerToken, token,
	)
	stream, err := conn.NewStream(streamCtx, &ServiceDesc.Streams[0], connectMethod)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &WorkerConn{conn: conn, stream: stream}, nil
}

// Send writes an event to the supervisor
func (w *WorkerConn) Send(ev Event) error {
	frame, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.stream.SendMsg(frame)
}

// Recv blocks for the next command from the supervisor
func (w *WorkerConn) Recv() (Command, error) {
	frame := &structpb.Struct{}
	if err := w.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	cmd, err := DecodeCommand(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return cmd, nil
}

// Close half-closes the stream and releases the connection
func (w *WorkerConn) Close() error {
	w.sendMu.Lock()
	_ = w.stream.CloseSend()
	w.sendMu.Unlock()
	return w.conn.Close()
}
