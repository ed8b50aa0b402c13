package manager

import (
	"time"

	"github.com/mnv104/capfs-sub002/redis"
)

// OpenSessionCache opens (or reuses) the process's singleton Redis connection and returns it as
// a sessionStore, ready to attach to one or more manager.Client values via WithSessions. ttl
// bounds how long a persisted cb_id is trusted before a client re-registers anyway.
func OpenSessionCache(address string, ttl time.Duration) (sessionStore, error) {
	opts := redis.DefaultOptions()
	opts.Address = address
	opts.TTL = ttl
	conn, err := redis.OpenConnection(opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
