// Package auditlog is the optional, Cassandra-backed append log of accepted write commits: one
// row per successful wcommit, recording the old and new chunk hashes a client exchanged with its
// manager. Nothing in the caching engine reads this log back; it exists for operators
// reconstructing "who wrote what, when" after the fact. A mount that never configures a cluster
// address runs with Append as a no-op.
package auditlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config mirrors the cluster-connection knobs a keyspace needs.
type Config struct {
	ClusterHosts      []string
	Keyspace          string
	Consistency       gocql.Consistency
	ConnectionTimeout time.Duration
}

// Connection wraps a gocql.Session and the Config used to build it.
type Connection struct {
	Session *gocql.Session
	Config  Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether the package-level singleton session exists.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection initializes (or reuses) the package-level singleton session and ensures the
// audit table exists.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}

	if config.Keyspace == "" {
		config.Keyspace = "capfs"
	}
	if config.Consistency == 0 {
		config.Consistency = gocql.LocalQuorum
	}
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = 10 * time.Second
	}

	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	cluster.Timeout = config.ConnectionTimeout
	cluster.Keyspace = config.Keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("auditlog: create session: %w", err)
	}

	if err := session.Query(fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = {'class': 'SimpleStrategy', 'replication_factor': 1};",
		config.Keyspace)).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("auditlog: create keyspace: %w", err)
	}
	if err := session.Query(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.wcommit_log (handle blob, begin_chunk int, client_id text, at timestamp, old_hashes blob, new_hashes blob, PRIMARY KEY(handle, at));",
		config.Keyspace)).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("auditlog: create table: %w", err)
	}

	connection = &Connection{Session: session, Config: config}
	return connection, nil
}

// CloseConnection closes the package-level singleton session, if present.
func CloseConnection() error {
	if connection == nil {
		return nil
	}
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	connection.Session.Close()
	connection = nil
	return nil
}

// Append records one accepted write-commit. handle, oldHashes and newHashes are opaque byte
// blobs (flattened chunk hashes); the caller owns their encoding.
func (c *Connection) Append(ctx context.Context, handle []byte, beginChunk int, clientID string, oldHashes, newHashes []byte) error {
	if c == nil || c.Session == nil {
		return fmt.Errorf("auditlog: connection is not open")
	}
	return c.Session.Query(
		fmt.Sprintf("INSERT INTO %s.wcommit_log (handle, begin_chunk, client_id, at, old_hashes, new_hashes) VALUES (?, ?, ?, ?, ?, ?);", c.Config.Keyspace),
		handle, beginChunk, clientID, time.Now(), oldHashes, newHashes,
	).WithContext(ctx).Exec()
}
