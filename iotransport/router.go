package iotransport

import (
	"hash/fnv"
	"strconv"

	"github.com/dgryski/go-rendezvous"
)

// Router picks, for a given handle/page, which I/O server in a cluster should serve it, using
// rendezvous (highest random weight) hashing so that adding or removing a server only
// reshuffles the chunks that mapped to it, not the whole keyspace. The manager remains the
// authority on placement; the router only lets the client pick a server to try first.
type Router struct {
	rv *rendezvous.Rendezvous
}

// NewRouter builds a Router over the given server identifiers (host:port strings).
func NewRouter(servers []string) *Router {
	return &Router{rv: rendezvous.New(servers, hashString)}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// RouteKey formats the (handle, page) pair the router hashes on.
func RouteKey(handle []byte, page int64) string {
	return string(handle) + ":" + strconv.FormatInt(page, 10)
}

// Lookup returns which server should serve handle's page.
func (r *Router) Lookup(handle []byte, page int64) string {
	return r.rv.Lookup(RouteKey(handle, page))
}

// Add registers a new server, rebalancing only the keys that should move to it.
func (r *Router) Add(server string) {
	r.rv.Add(server)
}

// Remove deregisters a server, rebalancing only the keys that mapped to it.
func (r *Router) Remove(server string) {
	r.rv.Remove(server)
}
