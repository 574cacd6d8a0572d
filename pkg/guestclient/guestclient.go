// Package guestclient is the host-side half of the guest control
// channel (spec.md §6 / SPEC_FULL §6 ADDED): a minimal gRPC service,
// `AgentHealth`, dialed over the box's `agent.sock` Unix socket. The
// guest-side agent implementation is out of scope (spec.md §1); this
// package provides the client stub plus a fake server for tests.
package guestclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/a3s-lab/box/internal/a3serr"
)

// Empty is the AgentHealth.Check request (no fields).
type Empty struct{}

// HealthStatus is the AgentHealth.Check response.
type HealthStatus struct {
	Ready bool `json:"ready"`
}

// AgentHealthServer is implemented by the (out-of-scope) guest agent;
// FakeAgentHealth in fake.go provides a test double.
type AgentHealthServer interface {
	Check(ctx context.Context, in *Empty) (*HealthStatus, error)
}

// AgentHealthClient is the host-side stub used to poll a box's agent.
type AgentHealthClient interface {
	Check(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*HealthStatus, error)
}

type agentHealthClient struct{ cc grpc.ClientConnInterface }

// NewAgentHealthClient wraps an established connection.
func NewAgentHealthClient(cc grpc.ClientConnInterface) AgentHealthClient {
	return &agentHealthClient{cc: cc}
}

func (c *agentHealthClient) Check(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*HealthStatus, error) {
	out := new(HealthStatus)
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	if err := c.cc.Invoke(ctx, "/a3s.guest.AgentHealth/Check", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterAgentHealthServer attaches srv to s under the AgentHealth
// service name.
func RegisterAgentHealthServer(s *grpc.Server, srv AgentHealthServer) {
	s.RegisterService(&agentHealthServiceDesc, srv)
}

var agentHealthServiceDesc = grpc.ServiceDesc{
	ServiceName: "a3s.guest.AgentHealth",
	HandlerType: (*AgentHealthServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: agentHealthCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "guestclient.proto",
}

func agentHealthCheckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentHealthServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/a3s.guest.AgentHealth/Check"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AgentHealthServer).Check(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Dial connects to the guest agent's UDS and returns a ready-to-use
// health client (SPEC_FULL §6: "dialed over the box's agent.sock UDS
// via grpc.NewClient(\"unix:\"+path, insecure credentials)"). grpc.NewClient
// does not dial eagerly, so the returned client's first Check call
// should be made with a context bounded by the caller's own timeout.
func Dial(socketPath string) (AgentHealthClient, func() error, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindBoxBootError, err, fmt.Sprintf("failed to dial guest agent at %s", socketPath))
	}
	return NewAgentHealthClient(conn), conn.Close, nil
}
