package dispatch

import (
	"context"

	"github.com/mattjoyce/farmhand/internal/history"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/farmhand/internal/dispatch LocalRunner,RemoteSubmitter

// LocalRunner executes a command on this machine. executor.Executor implements it.
type LocalRunner interface {
	Execute(ctx context.Context, argv []string, opts protocol.Options) (*protocol.Result, error)
}

// RemoteSubmitter sends a command to the coordinator. remote.Client implements it.
type RemoteSubmitter interface {
	Submit(ctx context.Context, req *protocol.Request) (*protocol.Result, error)
}

// Recorder persists finished tasks. history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}
