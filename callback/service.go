// Package callback implements the local TCP server the manager calls back into on
// REVOKE/UPDATE, built on net/rpc-style method dispatch. Every registered manager
// dials its own connection to this service; net/rpc serves each connection on its own goroutine,
// so a revoke on file A blocking on the hash cache never holds up an update on file B arriving
// over a different manager's connection.
package callback

import (
	"context"
	"fmt"
	"io"
	"net"

	log "log/slog"

	"github.com/mnv104/capfs-sub002/hashcache"
)

// RevokeArgs carries a REVOKE call's argument: the file whose entire cached recipe is stale.
type RevokeArgs struct {
	Handle []byte
	Token  string
}

// UpdateArgs carries an UPDATE call's argument: a range of freshly committed chunk hashes.
type UpdateArgs struct {
	Handle     []byte
	BeginChunk int
	Hashes     [][20]byte
	Token      string
}

// Reply is the empty acknowledgement both callback methods return on success.
type Reply struct{}

// Handlers implements the net/rpc exported-method contract that backs the Callback service. Its
// two methods are the entire inbound surface the manager uses to keep a client's hash cache
// coherent: REVOKE clears a file outright, UPDATE stages freshly committed hashes.
// Neither handler takes any lock ordered above the hash cache's own internals — the hash
// cache's public API (hashcache.Cache) is the single entry point.
type Handlers struct {
	Cache  hashcache.Cache
	Filter *Filter
	Auth   *AuthGate
}

// Revoke implements the REVOKE callback: the client clears the entire hash cache
// for that file.
func (h *Handlers) Revoke(args *RevokeArgs, _ *Reply) error {
	if h.Auth != nil {
		if err := h.Auth.Verify(args.Token); err != nil {
			return fmt.Errorf("callback: revoke rejected: %w", err)
		}
	}
	if h.Filter != nil && !h.Filter.Allow(args.Handle) {
		log.Debug("capfs: callback filtered", "method", "REVOKE", "handle", fmt.Sprintf("%x", args.Handle))
		return nil
	}
	return h.Cache.Clear(args.Handle)
}

// Update implements the UPDATE callback: the client writes the supplied hashes
// into its cache, marking them valid.
func (h *Handlers) Update(args *UpdateArgs, _ *Reply) error {
	if h.Auth != nil {
		if err := h.Auth.Verify(args.Token); err != nil {
			return fmt.Errorf("callback: update rejected: %w", err)
		}
	}
	if h.Filter != nil && !h.Filter.Allow(args.Handle) {
		log.Debug("capfs: callback filtered", "method", "UPDATE", "handle", fmt.Sprintf("%x", args.Handle))
		return nil
	}

	buf := make([]byte, len(args.Hashes)*hashcache.HashSize)
	for i, hash := range args.Hashes {
		copy(buf[i*hashcache.HashSize:(i+1)*hashcache.HashSize], hash[:])
	}
	return h.Cache.Put(context.Background(), args.Handle, args.BeginChunk, len(args.Hashes), buf)
}

// rpcServer is the subset of *rpc.Server Service depends on, so tests can substitute a recorder
// without standing up real net/rpc dispatch.
type rpcServer interface {
	ServeConn(conn io.ReadWriteCloser)
}

// Service binds Handlers to a TCP listener. Address() is what a client reports to a manager as
// its callback endpoint during registration (manager.Client handles that RPC).
type Service struct {
	ln  net.Listener
	srv rpcServer
}

// NewService serves srv's registered handlers on connections accepted from ln. Callers typically
// pass a *rpc.Server from NewRPCServer, which registers the Handlers under their service name; a
// custom rpcServer is only useful in tests.
func NewService(ln net.Listener, srv rpcServer) *Service {
	return &Service{ln: ln, srv: srv}
}

// Addr returns the bound listener's address.
func (s *Service) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled, spawning one goroutine per accepted
// connection to serve its calls.
func (s *Service) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("callback: accept: %w", err)
		}
		go func() {
			defer conn.Close()
			s.srv.ServeConn(conn)
		}()
	}
}
