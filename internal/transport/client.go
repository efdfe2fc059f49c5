package transport

import (
	"fmt"

	pb "github.com/flowcore/datastream/api/proto/v1"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial connects to an engine's control plane on localhost:port.
func Dial(port int) (pb.ControlClient, error) {
	cc, err := grpc.NewClient(fmt.Sprintf("localhost:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return pb.NewControlClient(cc), nil
}
