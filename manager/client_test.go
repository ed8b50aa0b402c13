package manager

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"testing"
	"time"

	capfs "github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/fileindex"
	"github.com/mnv104/capfs-sub002/hashcache"
)

// stubManager implements just enough of the manager RPC surface for these tests: Register always
// succeeds, Stat echoes back a canned Attr, GetHashes answers at most two chunks per call, and
// call counters let tests assert retry/reconnect behavior.
type stubManager struct {
	registerCalls int
	statCalls     int
	closeCalls    int
}

func (s *stubManager) Register(args *RegisterArgs, reply *RegisterReply) error {
	s.registerCalls++
	reply.CallbackID = "cb-1"
	return nil
}

// StatArgs mirrors statArgs' wire shape with an exported type name; net/rpc refuses to register
// a method whose argument type isn't itself exported, which an internal client-only type like
// statArgs never needs to be in production (only this test stands in as the server side).
type StatArgs struct{ Handle Handle }

func (s *stubManager) Stat(args *StatArgs, reply *Attr) error {
	s.statCalls++
	reply.Handle = args.Handle
	reply.Size = 42
	return nil
}

// GetHashesArgs mirrors getHashesArgs' wire shape, exported for the same net/rpc reason as
// StatArgs.
type GetHashesArgs struct {
	Handle     Handle
	BeginChunk int
	NChunks    int
}

func (s *stubManager) GetHashes(args *GetHashesArgs, reply *GetHashesReply) error {
	n := args.NChunks
	if n > 2 {
		n = 2 // a capped reply, shorter than the request
	}
	reply.Hashes = make([]ChunkHash, n)
	reply.Valid = make([]bool, n)
	for i := 0; i < n; i++ {
		reply.Hashes[i][0] = byte(args.BeginChunk + i)
		reply.Valid[i] = true
	}
	return nil
}

type CloseArgs struct{ Handle Handle }

func (s *stubManager) Close(args *CloseArgs, _ *struct{}) error {
	s.closeCalls++
	return nil
}

func startStubManager(t *testing.T, stub *stubManager) (Endpoint, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := rpc.NewServer()
	if err := srv.RegisterName("Manager", stub); err != nil {
		t.Fatalf("register: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	ep := Endpoint{Host: host, Port: port}
	return ep, func() {
		ln.Close()
		<-done
	}
}

func TestStatRegistersThenCallsThroughCachedConnection(t *testing.T) {
	stub := &stubManager{}
	ep, stop := startStubManager(t, stub)
	defer stop()

	c := NewClient(1, 4, time.Second)
	defer c.Shutdown()

	if _, err := c.Stat(context.Background(), ep, Handle("file-A")); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if _, err := c.Stat(context.Background(), ep, Handle("file-B")); err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if stub.registerCalls != 1 {
		t.Fatalf("expected exactly one registration across two calls on the same connection, got %d", stub.registerCalls)
	}
	if stub.statCalls != 2 {
		t.Fatalf("expected two Stat calls, got %d", stub.statCalls)
	}
}

func TestStatReturnsRequestedHandleInReply(t *testing.T) {
	stub := &stubManager{}
	ep, stop := startStubManager(t, stub)
	defer stop()

	c := NewClient(1, 4, time.Second)
	defer c.Shutdown()

	attr, err := c.Stat(context.Background(), ep, Handle("file-C"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if string(attr.Handle) != "file-C" {
		t.Fatalf("expected echoed handle \"file-C\", got %q", attr.Handle)
	}
	if attr.Size != 42 {
		t.Fatalf("expected size 42, got %d", attr.Size)
	}
}

// fakeSessions is a sessionStore stand-in that always resumes the one cb_id it was seeded with,
// letting tests exercise the "Redis already had a live session" branch of reregisterIfNeeded.
type fakeSessions struct {
	cbID string
}

func (f *fakeSessions) SaveCallbackID(_ context.Context, _ string, _ int, cbID string) error {
	f.cbID = cbID
	return nil
}

func (f *fakeSessions) LoadCallbackID(_ context.Context, _ string, _ int) (string, bool, error) {
	if f.cbID == "" {
		return "", false, nil
	}
	return f.cbID, true, nil
}

func TestReregisterCallsOnReregisterWhenSessionResumedFromStore(t *testing.T) {
	stub := &stubManager{}
	ep, stop := startStubManager(t, stub)
	defer stop()

	c := NewClient(1, 4, time.Second)
	defer c.Shutdown()
	c.WithSessions(&fakeSessions{cbID: "cb-resumed"})

	var reregistered []Endpoint
	c.OnReregister = func(ep Endpoint) {
		reregistered = append(reregistered, ep)
	}

	if _, err := c.Stat(context.Background(), ep, Handle("file-A")); err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if stub.registerCalls != 0 {
		t.Fatalf("expected the cached cb_id to skip a fresh Manager.Register call, got %d calls", stub.registerCalls)
	}
	if len(reregistered) != 1 || reregistered[0] != ep {
		t.Fatalf("expected OnReregister to fire once for %v even on a resumed session, got %v", ep, reregistered)
	}
}

func TestHashFetcherFlattensValidPrefixOfShortReply(t *testing.T) {
	stub := &stubManager{}
	ep, stop := startStubManager(t, stub)
	defer stop()

	c := NewClient(1, 4, time.Second)
	defer c.Shutdown()

	fetch := c.HashFetcher(ep)
	data, err := fetch(context.Background(), []byte("file-A"), 3, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// The stub caps a reply at two chunks; the adapter hands the hash cache a short return
	// rather than padding to the request.
	if len(data) != 2*hashcache.HashSize {
		t.Fatalf("expected %d prefix bytes, got %d", 2*hashcache.HashSize, len(data))
	}
	if data[0] != 3 || data[hashcache.HashSize] != 4 {
		t.Fatalf("expected the hashes for chunks 3 and 4, got leading bytes %d and %d",
			data[0], data[hashcache.HashSize])
	}
}

func TestHashFetcherFeedsSimpleCacheEndToEnd(t *testing.T) {
	stub := &stubManager{}
	ep, stop := startStubManager(t, stub)
	defer stop()

	c := NewClient(1, 4, time.Second)
	defer c.Shutdown()

	files := fileindex.New(5, testHandleHash)
	cache := hashcache.NewSimpleCache(files, c.HashFetcher(ep))

	handle := []byte("file-E")
	buf := make([]byte, 4*hashcache.HashSize)

	// The stub's two-chunk cap makes the first Get a short return; re-issuing for the
	// remainder completes the range, all through the real RPC round trip.
	n, err := cache.Get(context.Background(), handle, 0, 4, buf)
	var capfsErr capfs.Error
	if !errors.As(err, &capfsErr) || capfsErr.Code != capfs.ErrFetchShortReturn {
		t.Fatalf("expected a fetch short-return on the capped reply, got %v", err)
	}
	if n != 2*hashcache.HashSize {
		t.Fatalf("expected the two-chunk prefix, got %d bytes", n)
	}
	if n, err := cache.Get(context.Background(), handle, 2, 2, buf); err != nil || n != 2*hashcache.HashSize {
		t.Fatalf("expected the remainder to fetch cleanly, got n=%d err=%v", n, err)
	}
}

func testHandleHash(b []byte) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func TestCloseFileSurfacesThenClearsLatchedWritebackError(t *testing.T) {
	stub := &stubManager{}
	ep, stop := startStubManager(t, stub)
	defer stop()

	files := fileindex.New(5, testHandleHash)
	handle := Handle("file-W")

	// Stand in for the harvester: latch a background writeback failure on the record. The
	// extra reference keeps the record alive the way a pending error would.
	rec := files.Get([]byte(handle))
	rec.Lock()
	rec.Err = errors.New("chunk server rejected the writeback")
	rec.Unlock()

	c := NewClient(1, 4, time.Second)
	defer c.Shutdown()

	err := c.CloseFile(context.Background(), ep, handle, files)
	var capfsErr capfs.Error
	if !errors.As(err, &capfsErr) || capfsErr.Code != capfs.ErrWritebackLatched {
		t.Fatalf("expected the latched writeback error surfaced on close, got %v", err)
	}
	if stub.closeCalls != 1 {
		t.Fatalf("expected the manager handle released despite the latched error, got %d Close calls", stub.closeCalls)
	}

	// The latch is consumed: a second close is clean.
	if err := c.CloseFile(context.Background(), ep, handle, files); err != nil {
		t.Fatalf("expected a clean close once the latch was surfaced, got %v", err)
	}
	if stub.closeCalls != 2 {
		t.Fatalf("expected a second Close RPC, got %d", stub.closeCalls)
	}
}

func TestCallFailsAfterOneRetryWhenManagerIsUnreachable(t *testing.T) {
	c := NewClient(1, 4, 50*time.Millisecond)
	defer c.Shutdown()

	_, err := c.Stat(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1}, Handle("x"))
	if err == nil {
		t.Fatalf("expected an error dialing a closed port")
	}
}

func TestDoCallTimesOutWhenManagerNeverReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn // accept but never serve, so the call hangs
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	for _, ch := range portStr {
		port = port*10 + int(ch-'0')
	}
	ep := Endpoint{Host: host, Port: port}

	c := NewClient(1, 4, 100*time.Millisecond)
	defer c.Shutdown()

	start := time.Now()
	_, err = c.Stat(context.Background(), ep, Handle("x"))
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected the call to fail quickly via timeout, took %v", elapsed)
	}
	select {
	case conn := <-accepted:
		conn.Close()
	default:
	}
}
