package manager

import (
	"context"
	"time"

	"github.com/mnv104/capfs-sub002/writecommit"
)

// RegisterArgs/RegisterReply implement the callback registration handshake: a client tells the
// manager where its callback service listens, and the manager hands back an opaque id it will
// quote on every subsequent REVOKE/UPDATE so the client can tell genuine callbacks apart from a
// stray connection to the wrong port.
type RegisterArgs struct {
	CallbackAddr string
}

type RegisterReply struct {
	CallbackID string
}

// Attr is the subset of inode metadata the manager hands back from Stat/Lookup/Create. The
// cache engine does not read these fields; they are passed through to the caller.
type Attr struct {
	Handle  Handle
	Size    int64
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Mtime   int64
	Ctime   int64
	NLink   uint32
	IsDir   bool
	Symlink string
}

type lookupArgs struct {
	Parent Handle
	Name   string
}

// Lookup resolves one path component under Parent, the manager-side equivalent of a directory
// read plus name match.
func (c *Client) Lookup(ctx context.Context, ep Endpoint, parent Handle, name string) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Lookup", &lookupArgs{Parent: parent, Name: name}, &reply)
	return reply, err
}

type openArgs struct {
	Handle Handle
	Flags  int
}

// Open validates access and pins the handle manager-side for the duration of the session; it
// does not itself transfer data.
func (c *Client) Open(ctx context.Context, ep Endpoint, handle Handle, flags int) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Open", &openArgs{Handle: handle, Flags: flags}, &reply)
	return reply, err
}

type closeArgs struct{ Handle Handle }

// Close releases a handle opened with Open.
func (c *Client) Close(ctx context.Context, ep Endpoint, handle Handle) error {
	return c.call(ctx, ep, "Manager.Close", &closeArgs{Handle: handle}, &struct{}{})
}

type statArgs struct{ Handle Handle }

// Stat returns current metadata for a handle.
func (c *Client) Stat(ctx context.Context, ep Endpoint, handle Handle) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Stat", &statArgs{Handle: handle}, &reply)
	return reply, err
}

type setAttrArgs struct {
	Handle Handle
	Mode   *uint32
	Uid    *uint32
	Gid    *uint32
	Size   *int64
	Atime  *time.Time
	Mtime  *time.Time
}

// SetAttr applies a sparse metadata update; nil fields are left unchanged. Chmod/Chown/Truncate/
// Utimens below are thin convenience wrappers over this one RPC.
func (c *Client) SetAttr(ctx context.Context, ep Endpoint, args setAttrArgs) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.SetAttr", &args, &reply)
	return reply, err
}

func (c *Client) Chmod(ctx context.Context, ep Endpoint, handle Handle, mode uint32) (Attr, error) {
	return c.SetAttr(ctx, ep, setAttrArgs{Handle: handle, Mode: &mode})
}

func (c *Client) Chown(ctx context.Context, ep Endpoint, handle Handle, uid, gid uint32) (Attr, error) {
	return c.SetAttr(ctx, ep, setAttrArgs{Handle: handle, Uid: &uid, Gid: &gid})
}

func (c *Client) Truncate(ctx context.Context, ep Endpoint, handle Handle, size int64) (Attr, error) {
	return c.SetAttr(ctx, ep, setAttrArgs{Handle: handle, Size: &size})
}

func (c *Client) Utimens(ctx context.Context, ep Endpoint, handle Handle, atime, mtime time.Time) (Attr, error) {
	return c.SetAttr(ctx, ep, setAttrArgs{Handle: handle, Atime: &atime, Mtime: &mtime})
}

type mkdirArgs struct {
	Parent Handle
	Name   string
	Mode   uint32
}

// Mkdir creates a directory entry under Parent.
func (c *Client) Mkdir(ctx context.Context, ep Endpoint, parent Handle, name string, mode uint32) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Mkdir", &mkdirArgs{Parent: parent, Name: name, Mode: mode}, &reply)
	return reply, err
}

type rmdirArgs struct {
	Parent Handle
	Name   string
}

// Rmdir removes an empty directory entry under Parent.
func (c *Client) Rmdir(ctx context.Context, ep Endpoint, parent Handle, name string) error {
	return c.call(ctx, ep, "Manager.Rmdir", &rmdirArgs{Parent: parent, Name: name}, &struct{}{})
}

type createArgs struct {
	Parent Handle
	Name   string
	Mode   uint32
}

// Create makes a new regular file entry under Parent.
func (c *Client) Create(ctx context.Context, ep Endpoint, parent Handle, name string, mode uint32) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Create", &createArgs{Parent: parent, Name: name, Mode: mode}, &reply)
	return reply, err
}

// Mknod creates a non-regular, non-directory entry (device node, fifo); the manager interprets
// mode's type bits the same way mknod(2) does.
func (c *Client) Mknod(ctx context.Context, ep Endpoint, parent Handle, name string, mode uint32) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Mknod", &createArgs{Parent: parent, Name: name, Mode: mode}, &reply)
	return reply, err
}

type unlinkArgs struct {
	Parent Handle
	Name   string
}

// Unlink removes a directory entry; the underlying file's storage is reclaimed once its link
// count and open-handle count both reach zero.
func (c *Client) Unlink(ctx context.Context, ep Endpoint, parent Handle, name string) error {
	return c.call(ctx, ep, "Manager.Unlink", &unlinkArgs{Parent: parent, Name: name}, &struct{}{})
}

type renameArgs struct {
	OldParent Handle
	OldName   string
	NewParent Handle
	NewName   string
}

// Rename atomically moves/renames one entry, replacing NewName if it already exists.
func (c *Client) Rename(ctx context.Context, ep Endpoint, oldParent Handle, oldName string, newParent Handle, newName string) error {
	return c.call(ctx, ep, "Manager.Rename", &renameArgs{
		OldParent: oldParent, OldName: oldName, NewParent: newParent, NewName: newName,
	}, &struct{}{})
}

type linkArgs struct {
	Target    Handle
	NewParent Handle
	NewName   string
}

// Link creates an additional hard-link name for Target.
func (c *Client) Link(ctx context.Context, ep Endpoint, target Handle, newParent Handle, newName string) error {
	return c.call(ctx, ep, "Manager.Link", &linkArgs{Target: target, NewParent: newParent, NewName: newName}, &struct{}{})
}

type symlinkArgs struct {
	Parent Handle
	Name   string
	Target string
}

// Symlink creates a symbolic link entry under Parent pointing at Target.
func (c *Client) Symlink(ctx context.Context, ep Endpoint, parent Handle, name, target string) (Attr, error) {
	var reply Attr
	err := c.call(ctx, ep, "Manager.Symlink", &symlinkArgs{Parent: parent, Name: name, Target: target}, &reply)
	return reply, err
}

type readlinkArgs struct{ Handle Handle }

// Readlink returns the target of a symbolic link.
func (c *Client) Readlink(ctx context.Context, ep Endpoint, handle Handle) (string, error) {
	var reply struct{ Target string }
	err := c.call(ctx, ep, "Manager.Readlink", &readlinkArgs{Handle: handle}, &reply)
	return reply.Target, err
}

type accessArgs struct {
	Handle Handle
	Mode   uint32
}

// Access checks whether the caller's credentials permit Mode (R_OK/W_OK/X_OK-style bits).
func (c *Client) Access(ctx context.Context, ep Endpoint, handle Handle, mode uint32) error {
	return c.call(ctx, ep, "Manager.Access", &accessArgs{Handle: handle, Mode: mode}, &struct{}{})
}

type opendirArgs struct{ Handle Handle }

// Opendir begins a directory-listing session, returning a cookie passed to Readdir.
func (c *Client) Opendir(ctx context.Context, ep Endpoint, handle Handle) (string, error) {
	var reply struct{ Cookie string }
	err := c.call(ctx, ep, "Manager.Opendir", &opendirArgs{Handle: handle}, &reply)
	return reply.Cookie, err
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name   string
	Handle Handle
	IsDir  bool
}

type readdirArgs struct {
	Cookie string
	Offset int
	Count  int
}

// Readdir returns up to Count entries starting at Offset within the session Opendir began.
func (c *Client) Readdir(ctx context.Context, ep Endpoint, cookie string, offset, count int) ([]DirEntry, error) {
	var reply struct{ Entries []DirEntry }
	err := c.call(ctx, ep, "Manager.Readdir", &readdirArgs{Cookie: cookie, Offset: offset, Count: count}, &reply)
	return reply.Entries, err
}

type releasedirArgs struct{ Cookie string }

// Releasedir ends a directory-listing session begun with Opendir.
func (c *Client) Releasedir(ctx context.Context, ep Endpoint, cookie string) error {
	return c.call(ctx, ep, "Manager.Releasedir", &releasedirArgs{Cookie: cookie}, &struct{}{})
}

type statfsArgs struct{}

// Statfs returns aggregate filesystem usage as reported by the manager.
type StatfsReply struct {
	BlocksTotal int64
	BlocksFree  int64
	FilesTotal  int64
	FilesFree   int64
}

func (c *Client) Statfs(ctx context.Context, ep Endpoint) (StatfsReply, error) {
	var reply StatfsReply
	err := c.call(ctx, ep, "Manager.Statfs", &statfsArgs{}, &reply)
	return reply, err
}

type getHashesArgs struct {
	Handle     Handle
	BeginChunk int
	NChunks    int
}

// GetHashesReply mirrors writecommit.Reply's hash list shape so the manager client and the
// write-commit protocol agree on what "current hashes" looks like on the wire.
type GetHashesReply struct {
	Hashes []ChunkHash
	Valid  []bool
}

// GetHashes is the authoritative, always-fetches counterpart to the hash cache's Peek: used when
// a miss must actually round-trip rather than settle for an "unknown" marker.
func (c *Client) GetHashes(ctx context.Context, ep Endpoint, handle Handle, beginChunk, nchunks int) (GetHashesReply, error) {
	var reply GetHashesReply
	err := c.call(ctx, ep, "Manager.GetHashes", &getHashesArgs{Handle: handle, BeginChunk: beginChunk, NChunks: nchunks}, &reply)
	return reply, err
}

type getHashesByNameArgs struct {
	Name       string
	BeginChunk int
	NChunks    int
}

// GetHashesByName is the by-path form of GetHashes, for callers (the POSIX shim's open path)
// that hold a name but no handle yet; the manager resolves the name and answers from the same
// recipe.
func (c *Client) GetHashesByName(ctx context.Context, ep Endpoint, name string, beginChunk, nchunks int) (GetHashesReply, error) {
	var reply GetHashesReply
	err := c.call(ctx, ep, "Manager.GetHashesByName", &getHashesByNameArgs{Name: name, BeginChunk: beginChunk, NChunks: nchunks}, &reply)
	return reply, err
}

type fsyncArgs struct{ Handle Handle }

// Fsync asks the manager to flush any buffered durability state for Handle; client-side dirty
// frames still need a writeback commit first, so fsync is typically issued after the harvester
// has already pushed them.
func (c *Client) Fsync(ctx context.Context, ep Endpoint, handle Handle) error {
	return c.call(ctx, ep, "Manager.Fsync", &fsyncArgs{Handle: handle}, &struct{}{})
}

// Flush is the cheaper, non-durable sibling of Fsync: it tells the manager this client has no
// more buffered writes pending for Handle right now, without demanding a durability guarantee.
func (c *Client) Flush(ctx context.Context, ep Endpoint, handle Handle) error {
	return c.call(ctx, ep, "Manager.Flush", &fsyncArgs{Handle: handle}, &struct{}{})
}

// Wcommit issues one write-commit RPC to the manager at ep. It takes an Endpoint that
// writecommit.RPCFunc lacks, so a closure binding ep adapts it for writecommit.Client.RPC. When AuditLog is set, an
// accepted commit (StatusOK) is appended to it best-effort: a logging failure never fails the
// commit itself, since the audit trail is diagnostic, not part of the consistency protocol.
func (c *Client) Wcommit(ctx context.Context, ep Endpoint, args *writecommit.Args) (*writecommit.Reply, error) {
	var reply writecommit.Reply
	if err := c.call(ctx, ep, "Manager.Wcommit", args, &reply); err != nil {
		return nil, err
	}
	if reply.Status == writecommit.StatusOK && c.AuditLog != nil {
		c.AuditLog.Append(ctx, args.Handle, args.BeginChunk, args.CallbackID,
			flattenAuditHashes(args.OldHashes), flattenAuditHashes(args.NewHashes))
	}
	return &reply, nil
}

func flattenAuditHashes(hashes []writecommit.ChunkHash) []byte {
	out := make([]byte, len(hashes)*20)
	for i, h := range hashes {
		copy(out[i*20:(i+1)*20], h[:])
	}
	return out
}

type deregisterArgs struct{ CallbackID string }

// Deregister tells the manager this client is shutting down cleanly and its cb_id can be
// forgotten; a crash-without-deregister is also fine since the manager times out stale cb_ids.
func (c *Client) Deregister(ctx context.Context, ep Endpoint) error {
	mc, err := c.connFor(ctx, ep)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	cbID := mc.cbID
	mc.mu.Unlock()
	return c.call(ctx, ep, "Manager.Deregister", &deregisterArgs{CallbackID: cbID}, &struct{}{})
}
