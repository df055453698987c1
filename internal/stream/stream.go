// Package stream serves detection frames to remote clients as a gRPC
// server stream. Messages are google.protobuf.Struct values, so clients
// need no generated code.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/output"
)

// FullMethod is the streaming RPC's method name.
const FullMethod = "/mmwave.Detections/StreamFrames"

// DetectionsServer is the server API of the mmwave.Detections service.
type DetectionsServer interface {
	StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "mmwave.Detections",
	HandlerType: (*DetectionsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamFrames",
		Handler:       streamFramesHandler,
		ServerStreams: true,
	}},
	Metadata: "mmwave/detections.proto",
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(DetectionsServer).StreamFrames(req, stream)
}

// RegisterDetectionsServer registers srv on s.
func RegisterDetectionsServer(s grpc.ServiceRegistrar, srv DetectionsServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Config holds configuration for the stream server.
type Config struct {
	// ListenAddr is the address Start listens on (e.g., "localhost:50052")
	ListenAddr string
	// MaxClients bounds concurrent streams; zero means 5.
	MaxClients int
	// ClientBuffer is the per-client frame queue; zero means 10.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{ListenAddr: "localhost:50052", MaxClients: 5, ClientBuffer: 10}
}

// Server is an output.Publisher that forwards every packet to the
// connected StreamFrames clients. A client that falls behind loses frames
// rather than holding up the others.
type Server struct {
	cfg    Config
	server *grpc.Server

	mu      sync.RWMutex
	clients map[string]chan *structpb.Struct

	frames  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer returns a server with its gRPC service registered.
func NewServer(cfg Config, opts ...grpc.ServerOption) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 5
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 10
	}
	s := &Server{
		cfg:     cfg,
		server:  grpc.NewServer(opts...),
		clients: make(map[string]chan *structpb.Struct),
		stopCh:  make(chan struct{}),
	}
	RegisterDetectionsServer(s.server, s)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() (net.Addr, error) {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(lis); err != nil {
			monitoring.Logf("[stream] gRPC server error: %v", err)
		}
	}()
	return lis.Addr(), nil
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	monitoring.Logf("[stream] gRPC server listening on %s", lis.Addr())
	err := s.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop ends every stream and stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.server.GracefulStop()
		s.wg.Wait()
		monitoring.Logf("[stream] gRPC server stopped")
	})
}

// Stats reports frames published, frames dropped for slow clients, message
// conversion errors and connected clients.
type Stats struct {
	Frames  uint64
	Dropped uint64
	Errors  uint64
	Clients int
}

// Stats returns current server statistics.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return Stats{Frames: s.frames.Load(), Dropped: s.dropped.Load(), Errors: s.failed.Load(), Clients: n}
}

// Publish implements output.Publisher. The packet is converted before
// release and never retained.
func (s *Server) Publish(p *output.Packet, release func()) error {
	msg, err := FrameMessage(p)
	release()
	if err != nil {
		s.failed.Add(1)
		return err
	}
	s.frames.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- msg:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// StreamFrames implements DetectionsServer.
func (s *Server) StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error {
	opts, err := parseRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id := uuid.NewString()
	ch := make(chan *structpb.Struct, s.cfg.ClientBuffer)
	s.mu.Lock()
	if len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		return status.Errorf(codes.ResourceExhausted, "%d clients already connected", s.cfg.MaxClients)
	}
	s.clients[id] = ch
	n := len(s.clients)
	s.mu.Unlock()
	monitoring.Logf("[stream] client connected: %s (total: %d)", id, n)

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		n := len(s.clients)
		s.mu.Unlock()
		monitoring.Logf("[stream] client disconnected: %s (remaining: %d)", id, n)
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case msg := <-ch:
			if err := stream.SendMsg(opts.filter(msg)); err != nil {
				return err
			}
		}
	}
}

// FrameStream receives frames from a StreamFrames call.
type FrameStream struct {
	grpc.ClientStream
}

// Recv returns the next frame.
func (f *FrameStream) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := f.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// StreamFrames opens a frame stream on cc. req carries the request
// options; nil asks for the defaults.
func StreamFrames(ctx context.Context, cc grpc.ClientConnInterface, req *structpb.Struct) (*FrameStream, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	cs, err := cc.NewStream(ctx, &serviceDesc.Streams[0], FullMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{ClientStream: cs}, nil
}
