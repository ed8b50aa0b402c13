package manager

import (
	"context"
	"fmt"

	capfs "github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/fileindex"
)

// takeLatchedError surfaces-and-clears the asynchronous writeback error the harvester latched
// on handle's file record, if any. Clearing the latch is what lets the record become removable
// again; until a close or fsync observes the error, the record stays linked in the file index.
func takeLatchedError(files *fileindex.Index, handle []byte) error {
	rec := files.Get(handle)
	defer files.Put(rec)

	rec.Lock()
	err := rec.Err
	rec.Err = nil
	rec.Unlock()

	if err == nil {
		return nil
	}
	return capfs.Error{
		Code:     capfs.ErrWritebackLatched,
		Err:      fmt.Errorf("writeback failed in the background: %w", err),
		UserData: append([]byte(nil), handle...),
	}
}

// CloseFile is the close path a mount calls instead of the bare Close RPC: it surfaces any
// writeback error the harvester latched on the file since the last close/fsync. The manager
// handle is released either way — the latched error reports lost data, it does not keep the
// handle open — and takes precedence over an RPC failure in the return value.
func (c *Client) CloseFile(ctx context.Context, ep Endpoint, handle Handle, files *fileindex.Index) error {
	latched := takeLatchedError(files, handle)
	if err := c.Close(ctx, ep, handle); err != nil && latched == nil {
		return err
	}
	return latched
}

// FsyncFile is CloseFile's fsync sibling: the durability request still goes to the manager,
// but a latched background writeback failure surfaces here first.
func (c *Client) FsyncFile(ctx context.Context, ep Endpoint, handle Handle, files *fileindex.Index) error {
	latched := takeLatchedError(files, handle)
	if err := c.Fsync(ctx, ep, handle); err != nil && latched == nil {
		return err
	}
	return latched
}
