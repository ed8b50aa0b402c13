package callback

import (
	"fmt"
	"net/rpc"
)

// NewRPCServer registers h under serviceName (conventionally "Callback") on a fresh *rpc.Server,
// ready to hand to NewService. Split out from NewService so tests can substitute a fake
// rpcServer without pulling in real net/rpc reflection-based dispatch.
func NewRPCServer(serviceName string, h *Handlers) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(serviceName, h); err != nil {
		return nil, fmt.Errorf("callback: register %s: %w", serviceName, err)
	}
	return srv, nil
}
