package guestclient

import (
	"context"
	"net"

	"google.golang.org/grpc"
)

// FakeAgentHealth is a test double for the guest-side agent: it
// answers Check with whatever Ready currently holds, letting this
// package's tests exercise the real gRPC transport without a real
// guest.
type FakeAgentHealth struct {
	Ready bool
}

func (f *FakeAgentHealth) Check(ctx context.Context, in *Empty) (*HealthStatus, error) {
	return &HealthStatus{Ready: f.Ready}, nil
}

// ServeUnix starts a gRPC server for srv on a Unix socket at path,
// returning a stop function. Intended for tests only.
func ServeUnix(path string, srv AgentHealthServer) (stop func(), err error) {
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := grpc.NewServer()
	RegisterAgentHealthServer(s, srv)
	go s.Serve(lis)
	return s.Stop, nil
}
