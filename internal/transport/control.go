package transport

import (
	"context"
	"log/slog"
	"sync"

	pb "github.com/flowcore/datastream/api/proto/v1"
	"github.com/flowcore/datastream/internal/config"
	"github.com/flowcore/datastream/internal/logging"
	"github.com/flowcore/datastream/model"
)

// AssignmentTarget is the supervisor seam the control plane drives: a
// DeployPipeline call adds a datastream to the desired set, a
// PausePipeline call reaches a running task directly.
type AssignmentTarget interface {
	OnAssignmentChange(ctx context.Context, desired []model.Datastream) error
	PauseDatastream(name string) bool
}

type controlServer struct {
	pb.UnimplementedControlServer
	target AssignmentTarget
	logger *slog.Logger

	mu      sync.Mutex
	desired map[string]model.Datastream
}

// NewControlServer wires the gRPC Control service to a supervisor. It is
// not the full administrative CRUD surface (out of scope per spec.md) —
// only the narrow "assignment was delivered" / "pause this datastream"
// contract the task runtime depends on from its external coordinator.
func NewControlServer(target AssignmentTarget, logger *slog.Logger) pb.ControlServer {
	if logger == nil {
		logger = logging.L()
	}
	return &controlServer{target: target, desired: map[string]model.Datastream{}, logger: logger}
}

func (s *controlServer) Ping(ctx context.Context, req *pb.PingRequest) (*pb.PingReply, error) {
	return &pb.PingReply{Status: "ok"}, nil
}

func (s *controlServer) DeployPipeline(ctx context.Context, req *pb.DeployRequest) (*pb.DeployReply, error) {
	ds, err := config.ParseDatastreamDefinition([]byte(req.GetYaml()))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.desired[ds.Name] = ds
	desired := make([]model.Datastream, 0, len(s.desired))
	for _, d := range s.desired {
		desired = append(desired, d)
	}
	s.mu.Unlock()

	if err := s.target.OnAssignmentChange(ctx, desired); err != nil {
		return nil, err
	}
	s.logger.Info("deployed datastream", "name", ds.Name)
	return &pb.DeployReply{Id: ds.Name}, nil
}

func (s *controlServer) PausePipeline(ctx context.Context, req *pb.PauseRequest) (*pb.PauseReply, error) {
	ok := s.target.PauseDatastream(req.GetId())
	return &pb.PauseReply{Ok: ok}, nil
}
