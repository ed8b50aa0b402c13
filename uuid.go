package capfs

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID. No other package in this module uses
// it; cb_ids are strings assigned by the manager.
// It carries no on-disk or wire format of its own: CAPFS handles are opaque server-assigned
// byte blobs, not UUIDs.
type UUID uuid.UUID

// ParseUUID converts a string to a UUID.
func ParseUUID(id string) (UUID, error) {
	u, err := uuid.Parse(id)
	return UUID(u), err
}

// NewUUID returns a new randomly generated UUID, retrying briefly on the rare entropy-source
// error before giving up — generating one is a precondition the caller cannot work around.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// NilUUID is the zero-value UUID.
var NilUUID UUID

// IsNil reports whether the UUID equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

// String returns the canonical string representation of the UUID.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// Compare orders two UUIDs for use as a sort key (e.g. lock-acquisition ordering).
func (x UUID) Compare(y UUID) int {
	return bytes.Compare(x[:], y[:])
}
