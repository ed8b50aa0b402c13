// Package manager implements the typed RPC client to the metadata manager. It caches one live
// connection per (host, port) in an MRU table, retries each outbound call once, and re-registers
// for a callback id whenever a connection comes back from a transport failure or a manager
// restart.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	log "log/slog"

	"github.com/mnv104/capfs-sub002/cache"
	"github.com/mnv104/capfs-sub002/internal/backoff"
	"github.com/mnv104/capfs-sub002/writecommit"
)

// retryJitterUnit staggers the single retry attempt call() makes after a transport failure, so
// a client whose connection just died doesn't immediately re-dial into the same still-recovering
// manager process.
const retryJitterUnit = 50 * time.Millisecond

// Handle is an opaque file handle, as returned by Lookup/Open and consumed by every other method.
type Handle []byte

// ChunkHash is a 20-byte content hash; an alias of writecommit.ChunkHash so the two packages
// agree on wire shape without either importing a duplicate definition.
type ChunkHash = writecommit.ChunkHash

// Endpoint identifies one manager by its dial address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) key() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// managerConn is one cached connection: the live *rpc.Client plus the callback id this process
// registered under it, and a flag marking whether that registration still needs to be redone.
type managerConn struct {
	mu              sync.Mutex
	endpoint        Endpoint
	rpcClient       *rpc.Client
	cbID            string
	needsReregister bool
}

// Client is the manager RPC client for one mount. Every typed method below goes through call,
// which dials (or reuses) the (host,port) connection, retries once on transport failure, and
// re-registers before the retry if the prior attempt marked the connection dead.
type Client struct {
	// connsMu guards conns: the generic MRU cache carries no locking of its own, and calls enter
	// from arbitrary application threads.
	connsMu sync.Mutex
	conns   cache.Cache[string, *managerConn]
	timeout time.Duration

	// CallbackAddr is this process's callback service address (see callback.Service.Addr),
	// supplied to Register so the manager knows where to deliver REVOKE/UPDATE.
	CallbackAddr string

	// Sessions optionally persists cb_id across process restarts (redis.Connection). Nil
	// disables persistence; every process just re-registers from scratch.
	Sessions sessionStore

	// AuditLog optionally records accepted write-commits (auditlog.Connection). Nil disables
	// auditing entirely.
	AuditLog auditAppender

	// OnReregister is called whenever a rebuilt connection registers with the manager, whether
	// that registration is a fresh Manager.Register call or a cb_id resumed from Sessions; a
	// mount wires this to its hash cache's InvalidateAll, since the connection that backed
	// whatever is currently cached is gone either way and the manager's view of it cannot be
	// trusted without re-registering.
	OnReregister func(ep Endpoint)

	dial func(network, address string) (*rpc.Client, error)
}

// sessionStore is the narrow interface Client needs from redis.Connection, kept local so this
// package doesn't force a hard dependency on a live Redis server when persistence is unused.
type sessionStore interface {
	SaveCallbackID(ctx context.Context, host string, port int, cbID string) error
	LoadCallbackID(ctx context.Context, host string, port int) (string, bool, error)
}

// auditAppender is the narrow interface Client needs from auditlog.Connection.
type auditAppender interface {
	Append(ctx context.Context, handle []byte, beginChunk int, clientID string, oldHashes, newHashes []byte) error
}

// NewClient builds a manager client with an MRU connection cache that evicts once it reaches
// maxConns, so at most maxConns-1 live connections stay cached. minConns is passed through to
// cache.NewCache, which does not consult it when evicting.
func NewClient(minConns, maxConns int, timeout time.Duration) *Client {
	return &Client{
		conns:   cache.NewCache[string, *managerConn](minConns, maxConns),
		timeout: timeout,
		dial:    rpc.Dial,
	}
}

// WithSessions attaches cb_id persistence; a nil store is a valid no-op (each connection just
// registers fresh).
func (c *Client) WithSessions(s sessionStore) *Client {
	c.Sessions = s
	return c
}

func (c *Client) connFor(ctx context.Context, ep Endpoint) (*managerConn, error) {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()

	if found := c.conns.Get([]string{ep.key()})[0]; found != nil {
		return found, nil
	}

	rpcClient, err := c.dial("tcp", ep.key())
	if err != nil {
		return nil, fmt.Errorf("manager: dial %s: %w", ep.key(), err)
	}
	mc := &managerConn{endpoint: ep, rpcClient: rpcClient, needsReregister: true}
	c.conns.Set([]cache.KeyValuePair[string, *managerConn]{{Key: ep.key(), Value: mc}})
	return mc, nil
}

// invalidate discards a dead connection so the next call dials fresh.
func (c *Client) invalidate(ep Endpoint) {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	c.conns.Delete([]string{ep.key()})
}

func (c *Client) reregisterIfNeeded(ctx context.Context, mc *managerConn) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if !mc.needsReregister {
		return nil
	}

	if c.Sessions != nil {
		if cbID, ok, err := c.Sessions.LoadCallbackID(ctx, mc.endpoint.Host, mc.endpoint.Port); err == nil && ok {
			mc.cbID = cbID
			mc.needsReregister = false
			// The connection itself was just (re)built, so any hashes this client cached under
			// the old connection could already be stale even though the cb_id survived in Redis —
			// the same "transport failure invalidates the hash cache" rule as a fresh
			// registration below, not just a no-op resumption.
			if c.OnReregister != nil {
				c.OnReregister(mc.endpoint)
			}
			log.Debug("capfs: resumed manager session", "endpoint", mc.endpoint.key(), "cb_id", mc.cbID)
			return nil
		}
	}

	// Registering tells the manager where to deliver REVOKE/UPDATE callbacks for handles this
	// client touches; the manager hands back an opaque cb_id identifying the registration.
	var reply RegisterReply
	if err := c.doCall(ctx, mc, "Manager.Register", &RegisterArgs{CallbackAddr: c.CallbackAddr}, &reply); err != nil {
		return fmt.Errorf("manager: register with %s: %w", mc.endpoint.key(), err)
	}
	mc.cbID = reply.CallbackID
	mc.needsReregister = false
	if c.Sessions != nil {
		c.Sessions.SaveCallbackID(ctx, mc.endpoint.Host, mc.endpoint.Port, mc.cbID)
	}
	if c.OnReregister != nil {
		c.OnReregister(mc.endpoint)
	}
	log.Debug("capfs: registered with manager", "endpoint", mc.endpoint.key(), "cb_id", mc.cbID)
	return nil
}

// call drives one RPC: connect-or-reuse, reregister-if-needed, invoke, retry exactly once after
// tearing the connection down on a transport error or a timeout.
func (c *Client) call(ctx context.Context, ep Endpoint, method string, args, reply any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if !backoff.ShouldRetry(lastErr) {
				break
			}
			backoff.Jitter(ctx, retryJitterUnit)
		}

		mc, err := c.connFor(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.reregisterIfNeeded(ctx, mc); err != nil {
			c.invalidate(ep)
			lastErr = err
			continue
		}

		err = c.doCall(ctx, mc, method, args, reply)
		if err == nil {
			return nil
		}

		// A transport-level failure or timeout marks the connection dead so the retry dials
		// fresh and re-registers before trying again.
		mc.mu.Lock()
		mc.needsReregister = true
		mc.mu.Unlock()
		c.invalidate(ep)
		lastErr = err
	}
	return fmt.Errorf("manager: %s to %s failed after retry: %w", method, ep.key(), lastErr)
}

var errCallTimeout = errors.New("manager: call timed out")

// doCall invokes one RPC, bounding it by c.timeout (if set) and the caller's context, whichever
// fires first. net/rpc has no native context support, so this uses Client.Go and races its Done
// channel against a timer/ctx.Done(); a timeout here still leaves the underlying TCP round trip
// in flight, which is why the caller tears the whole connection down rather than trusting it.
func (c *Client) doCall(ctx context.Context, mc *managerConn, method string, args, reply any) error {
	call := mc.rpcClient.Go(method, args, reply, make(chan *rpc.Call, 1))

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case done := <-call.Done:
		return done.Error
	case <-timeoutCh:
		return errCallTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown releases every cached connection.
func (c *Client) Shutdown() {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	c.conns.Clear()
}
