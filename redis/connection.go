// Package redis backs the manager client's optional session cache: it persists the
// per-manager callback id assigned at registration so a restarted client process can skip
// re-registering with a manager it has talked to before, across the same host. Kept to a single
// shared connection under a singleton-under-mutex, since one mount's worth of (host,port)->cb_id
// bookkeeping never needs more than one Redis connection.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options holds configuration for connecting to a Redis server or cluster.
type Options struct {
	// Address is the host:port of the Redis server/cluster.
	Address string
	// Password is the password used to authenticate.
	Password string
	// DB is the database index to select.
	DB int
	// TLSConfig contains TLS configuration for secure connections.
	TLSConfig *tls.Config
	// TTL bounds how long a persisted callback id is trusted before a fresh registration is
	// forced regardless; zero means no expiry.
	TTL time.Duration
}

// Connection wraps a redis.Client and the Options used to create it.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions returns an Options with localhost defaults (no password, DB 0).
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether the package-level singleton connection exists.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection initializes and returns the package-level singleton connection.
// Subsequent calls return the same connection.
func OpenConnection(options Options) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}

	connection = openConnection(options)
	return connection, nil
}

// CloseConnection closes the package-level singleton connection, if present.
func CloseConnection() error {
	if connection == nil {
		return nil
	}
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

// openConnection creates a new redis client connection from options.
func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	c := Connection{
		Client:  client,
		Options: options,
	}
	return &c
}

// closeConnection closes the given connection, if not already closed.
func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}

func sessionKey(host string, port int) string {
	return fmt.Sprintf("capfs:cb_id:%s:%d", host, port)
}

// SaveCallbackID persists the cb_id a manager assigned at registration, so a later process on
// this host can skip re-registering.
func (c *Connection) SaveCallbackID(ctx context.Context, host string, port int, cbID string) error {
	if c == nil || c.Client == nil {
		return fmt.Errorf("redis: connection is not open")
	}
	return c.Client.Set(ctx, sessionKey(host, port), cbID, c.Options.TTL).Err()
}

// LoadCallbackID returns a previously persisted cb_id for (host, port), if any.
func (c *Connection) LoadCallbackID(ctx context.Context, host string, port int) (string, bool, error) {
	if c == nil || c.Client == nil {
		return "", false, fmt.Errorf("redis: connection is not open")
	}
	v, err := c.Client.Get(ctx, sessionKey(host, port)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// ForgetCallbackID drops a persisted cb_id. No package in this module calls it.
func (c *Connection) ForgetCallbackID(ctx context.Context, host string, port int) error {
	if c == nil || c.Client == nil {
		return fmt.Errorf("redis: connection is not open")
	}
	return c.Client.Del(ctx, sessionKey(host, port)).Err()
}
