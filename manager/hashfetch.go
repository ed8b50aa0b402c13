package manager

import (
	"context"

	"github.com/mnv104/capfs-sub002/hashcache"
)

// MaxHashes caps how many chunk hashes one gethashes reply carries on the wire. A request for
// more is clamped before it is sent; the hash cache sees the shortened reply as a fetch
// short-return and re-issues for the remainder.
const MaxHashes = 1024

// HashFetcher adapts GetHashes into the hash cache's fetch callback for one manager endpoint.
// The reply's Valid bits are honored as a prefix: flattening stops at the first chunk the
// manager does not vouch for, so the cache never stores a hash the manager marked unknown.
// Anything short of the full request — clamping, a capped reply, an invalid chunk mid-range —
// reaches the cache as a short return, never as a fabricated hash.
func (c *Client) HashFetcher(ep Endpoint) hashcache.FetchFunc {
	return func(ctx context.Context, handle []byte, beginChunk, nchunks int) ([]byte, error) {
		if nchunks > MaxHashes {
			nchunks = MaxHashes
		}
		reply, err := c.GetHashes(ctx, ep, Handle(handle), beginChunk, nchunks)
		if err != nil {
			return nil, err
		}
		n := len(reply.Hashes)
		if len(reply.Valid) < n {
			n = len(reply.Valid)
		}
		out := make([]byte, 0, n*hashcache.HashSize)
		for i := 0; i < n; i++ {
			if !reply.Valid[i] {
				break
			}
			out = append(out, reply.Hashes[i][:]...)
		}
		return out, nil
	}
}
