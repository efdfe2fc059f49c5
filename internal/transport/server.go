package transport

import (
	"fmt"
	"net"

	pb "github.com/flowcore/datastream/api/proto/v1"

	"google.golang.org/grpc"
)

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

// StartServer binds port and registers impl as the Control service
// implementation, matching the teacher's StartServer(port) shape but with
// the stub service swapped for a real one.
func StartServer(port int, impl pb.ControlServer) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	s := &Server{
		grpc: grpc.NewServer(),
		lis:  lis,
	}
	pb.RegisterControlServer(s.grpc, impl)
	return s, nil
}

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
