package distributed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/tsawler/go-semisup/tensor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName    = "semisup.distributed.Collective"
	gatherMethod   = "/" + serviceName + "/Gather"
	maxMessageSize = 256 << 20
)

// GRPCConfig configures a gRPC process group. Rank 0 listens on Address
// and coordinates; other ranks dial it.
type GRPCConfig struct {
	Rank      int
	WorldSize int
	Address   string
}

// GRPCGroup is a Collective backed by a coordinator served from rank 0.
type GRPCGroup struct {
	rank  int
	world int

	conn   *grpc.ClientConn
	server *grpc.Server
	addr   string

	mu  sync.Mutex
	seq uint64
}

// NewGRPCGroup joins (or, on rank 0, starts) the process group.
func NewGRPCGroup(cfg GRPCConfig) (*GRPCGroup, error) {
	if cfg.WorldSize < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("invalid rank %d for world size %d", cfg.Rank, cfg.WorldSize)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}

	g := &GRPCGroup{rank: cfg.Rank, world: cfg.WorldSize, addr: cfg.Address}
	if cfg.Rank == 0 {
		hub, err := NewHub(cfg.WorldSize)
		if err != nil {
			return nil, err
		}
		lis, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
		}
		g.addr = lis.Addr().String()
		g.server = grpc.NewServer(grpc.MaxRecvMsgSize(maxMessageSize), grpc.MaxSendMsgSize(maxMessageSize))
		g.server.RegisterService(&collectiveServiceDesc, &gatherService{hub: hub})
		go func() {
			_ = g.server.Serve(lis)
		}()
	}

	conn, err := grpc.NewClient(g.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		if g.server != nil {
			g.server.Stop()
		}
		return nil, fmt.Errorf("failed to create coordinator client: %w", err)
	}
	g.conn = conn
	return g, nil
}

// Addr is the coordinator address; on rank 0 it reflects the bound port.
func (g *GRPCGroup) Addr() string { return g.addr }

func (g *GRPCGroup) Rank() int      { return g.rank }
func (g *GRPCGroup) WorldSize() int { return g.world }

func (g *GRPCGroup) AllGather(ctx context.Context, data []float32) ([]float32, error) {
	g.mu.Lock()
	seq := g.seq
	g.seq++
	g.mu.Unlock()

	req, err := structpb.NewStruct(map[string]interface{}{
		"seq":     float64(seq),
		"rank":    float64(g.rank),
		"payload": base64.StdEncoding.EncodeToString(tensor.Float32sToBytes(data)),
	})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	// Peers may start before the coordinator is listening.
	if err := g.conn.Invoke(ctx, gatherMethod, req, resp, grpc.WaitForReady(true)); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return nil, fmt.Errorf("all-gather round %d: %s: %w", seq, status.Convert(err).Message(), ErrShapeMismatch)
		}
		return nil, fmt.Errorf("all-gather round %d: %w", seq, err)
	}
	return decodePayload(resp)
}

func (g *GRPCGroup) Barrier(ctx context.Context) error {
	_, err := g.AllGather(ctx, nil)
	return err
}

// Close releases the client connection and, on rank 0, stops the coordinator
// after in-flight calls finish.
func (g *GRPCGroup) Close() error {
	err := g.conn.Close()
	if g.server != nil {
		g.server.GracefulStop()
	}
	return err
}

// gatherService serves the coordinator side of AllGather.
type gatherService struct {
	hub *Hub
}

type collectiveServer interface {
	Gather(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func (s *gatherService) Gather(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	data, err := decodePayload(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	seq := uint64(fields["seq"].GetNumberValue())
	rank := int(fields["rank"].GetNumberValue())

	gathered, err := s.hub.Contribute(ctx, seq, rank, data)
	if err != nil {
		if errors.Is(err, ErrShapeMismatch) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return structpb.NewStruct(map[string]interface{}{
		"payload": base64.StdEncoding.EncodeToString(tensor.Float32sToBytes(gathered)),
	})
}

func decodePayload(s *structpb.Struct) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s.GetFields()["payload"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	return tensor.BytesToFloat32s(raw)
}

func gatherHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).Gather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatherMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(collectiveServer).Gather(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*collectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gather", Handler: gatherHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "semisup/distributed.proto",
}
