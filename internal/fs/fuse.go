// Package fs implements a FUSE passthrough filesystem that overlays
// emulated ownership and mode onto a real directory tree. Content and
// structure operations pass through to the source directory; chmod and
// chown land in a persistent permission store and never touch the real
// files.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/permfs/permfs/internal/logging"
)

// Errors for PermFS
var (
	ErrInvalidSourceDir  = errors.New("invalid source directory")
	ErrInvalidMountPoint = errors.New("invalid mount point")
	ErrAlreadyMounted    = errors.New("filesystem is already mounted")
)

// PermFSConfig holds the configuration for creating a PermFS.
type PermFSConfig struct {
	SourceDir  string // The real directory tree being overlaid
	MountPoint string // Where to mount the FUSE filesystem

	FSName      string        // Source name shown in mount tables, defaults to "permfs"
	AllowOther  bool          // Permit access by users other than the mounting user
	Debug       bool          // Enable FUSE protocol tracing
	AttrTimeout time.Duration // Kernel attribute/entry cache bound, zero means 1s
}

// PermFS is the filesystem manager. It owns the permission store for
// the lifetime of a mount and persists it back on unmount.
type PermFS struct {
	config *PermFSConfig
	paths  *PathMap
	store  *PermissionStore

	mu      sync.Mutex
	server  *fuse.Server
	mounted atomic.Bool
}

// NewPermFS creates a new PermFS instance. Both the source directory
// and the mount point must be existing directories.
func NewPermFS(config *PermFSConfig) (*PermFS, error) {
	if info, err := os.Stat(config.SourceDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourceDir, config.SourceDir)
	}
	if info, err := os.Stat(config.MountPoint); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMountPoint, config.MountPoint)
	}
	if config.FSName == "" {
		config.FSName = "permfs"
	}
	if config.AttrTimeout <= 0 {
		config.AttrTimeout = time.Second
	}

	return &PermFS{
		config: config,
		paths:  NewPathMap(config.SourceDir),
	}, nil
}

// Mount loads the permission overlay from the sidecar file, mounts the
// filesystem, and serves until the context is cancelled or the mount
// is detached externally (fusermount -u). A clean unmount persists the
// pruned overlay back to the sidecar. A corrupt sidecar refuses the
// mount: serving without it would discard emulated permissions at the
// next unmount.
func (p *PermFS) Mount(ctx context.Context) error {
	store, err := LoadPermissionStore(p.paths.Real(SidecarName))
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.server != nil {
		p.mu.Unlock()
		return ErrAlreadyMounted
	}
	p.store = store

	attrTimeout := p.config.AttrTimeout
	opts := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &attrTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: p.config.AllowOther,
			Debug:      p.config.Debug,
			FsName:     p.config.FSName,
			Name:       "permfs",
		},
	}

	server, err := fs.Mount(p.config.MountPoint, &permNode{pfs: p}, opts)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}
	p.server = server
	p.mu.Unlock()

	p.mounted.Store(true)
	logging.Info("filesystem mounted",
		logging.String("source", p.paths.Root()),
		logging.String("mountpoint", p.config.MountPoint),
	)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			logging.Error("failed to unmount filesystem",
				logging.String("mountpoint", p.config.MountPoint),
				logging.Err(err),
			)
			return fmt.Errorf("failed to unmount filesystem: %w", err)
		}
		<-done
	case <-done:
	}

	p.mounted.Store(false)
	p.mu.Lock()
	p.server = nil
	p.mu.Unlock()

	if err := store.Persist(p.realMode); err != nil {
		return fmt.Errorf("failed to persist permission overlay: %w", err)
	}

	logging.Info("filesystem unmounted",
		logging.String("mountpoint", p.config.MountPoint),
	)
	return nil
}

// IsMounted returns whether the filesystem is currently mounted.
func (p *PermFS) IsMounted() bool {
	return p.mounted.Load()
}

// realMode reports the current mode bits of the real file behind a
// virtual path.
func (p *PermFS) realMode(virtualPath string) (uint32, bool) {
	var st syscall.Stat_t
	if err := syscall.Lstat(p.paths.Real(virtualPath), &st); err != nil {
		return 0, false
	}
	return st.Mode, true
}

// applyOverrides merges the emulated ownership and mode into a
// stat-derived attribute bundle. Size, times, link count and the rest
// stay as the real file reports them.
func (p *PermFS) applyOverrides(virtualPath string, st *syscall.Stat_t, out *fuse.Attr) {
	out.FromStat(st)
	rec := p.store.LookupOrInit(virtualPath, st.Mode)
	out.Mode = rec.Mode
	out.Owner = fuse.Owner{Uid: rec.Uid, Gid: rec.Gid}
}

// fillAttr resolves the emulated attribute bundle for a virtual path.
func (p *PermFS) fillAttr(virtualPath string, out *fuse.Attr) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Lstat(p.paths.Real(virtualPath), &st); err != nil {
		return fs.ToErrno(err)
	}
	p.applyOverrides(virtualPath, &st, out)
	return fs.OK
}

// permNode is a node in the overlay tree. Every node shares the one
// PermFS and derives both its real path and its store key from its
// position in the tree.
type permNode struct {
	fs.Inode
	pfs *PermFS
}

var (
	_ = (fs.NodeGetattrer)((*permNode)(nil))
	_ = (fs.NodeSetattrer)((*permNode)(nil))
	_ = (fs.NodeLookuper)((*permNode)(nil))
	_ = (fs.NodeReaddirer)((*permNode)(nil))
	_ = (fs.NodeAccesser)((*permNode)(nil))
	_ = (fs.NodeReadlinker)((*permNode)(nil))
	_ = (fs.NodeMknoder)((*permNode)(nil))
	_ = (fs.NodeMkdirer)((*permNode)(nil))
	_ = (fs.NodeRmdirer)((*permNode)(nil))
	_ = (fs.NodeUnlinker)((*permNode)(nil))
	_ = (fs.NodeSymlinker)((*permNode)(nil))
	_ = (fs.NodeRenamer)((*permNode)(nil))
	_ = (fs.NodeLinker)((*permNode)(nil))
	_ = (fs.NodeCreater)((*permNode)(nil))
	_ = (fs.NodeOpener)((*permNode)(nil))
	_ = (fs.NodeStatfser)((*permNode)(nil))
)

// virtualOf returns the rooted virtual path of a node.
func virtualOf(node *fs.Inode) string {
	if p := node.Path(nil); p != "" {
		return "/" + p
	}
	return "/"
}

// childOf returns the rooted virtual path of a child entry.
func childOf(parent *fs.Inode, name string) string {
	vp := virtualOf(parent)
	if vp == "/" {
		return "/" + name
	}
	return vp + "/" + name
}

func (n *permNode) virtualPath() string {
	return virtualOf(n.EmbeddedInode())
}

func (n *permNode) childPath(name string) string {
	return childOf(n.EmbeddedInode(), name)
}

func (n *permNode) realPath() string {
	return n.pfs.paths.Real(n.virtualPath())
}

// lookupEntry stats the real file behind vpath, fills out with the
// emulated attributes and returns the child inode. The kernel caches
// entry attributes, so they must match what Getattr would return.
func (n *permNode) lookupEntry(ctx context.Context, vpath string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var st syscall.Stat_t
	if err := syscall.Lstat(n.pfs.paths.Real(vpath), &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	n.pfs.applyOverrides(vpath, &st, &out.Attr)
	child := &permNode{pfs: n.pfs}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino}), fs.OK
}

// Lookup implements fs.NodeLookuper.
func (n *permNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.lookupEntry(ctx, n.childPath(name), out)
}

// Getattr implements fs.NodeGetattrer. Size and times come from the
// real file; mode and ownership come from the permission store.
func (n *permNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return n.pfs.fillAttr(n.virtualPath(), &out.Attr)
}

// Setattr implements fs.NodeSetattrer. Mode and ownership changes land
// in the permission store and never reach the real file; size and time
// changes pass through to it.
func (n *permNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	vpath := n.virtualPath()
	p := n.pfs.paths.Real(vpath)

	if mode, ok := in.GetMode(); ok {
		// The kernel sends the full mode including file type bits.
		// Stored whole, so the overlay round-trips exactly.
		n.pfs.store.SetMode(vpath, mode)
		logging.Debug("mode override",
			logging.String("path", vpath),
			logging.Uint32("mode", mode),
		)
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		var st syscall.Stat_t
		if err := syscall.Lstat(p, &st); err != nil {
			return fs.ToErrno(err)
		}
		var uidp, gidp *uint32
		if uok {
			uidp = &uid
		}
		if gok {
			gidp = &gid
		}
		n.pfs.store.SetOwner(vpath, uidp, gidp, st.Mode)
		logging.Debug("owner override", logging.String("path", vpath))
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ap, mp := &atime, &mtime
		if !aok {
			ap = nil
		}
		if !mok {
			mp = nil
		}
		ts := []syscall.Timespec{
			fuse.UtimeToTimespec(ap),
			fuse.UtimeToTimespec(mp),
		}
		if err := syscall.UtimesNano(p, ts); err != nil {
			return fs.ToErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := os.Truncate(p, int64(size)); err != nil {
			return fs.ToErrno(err)
		}
	}

	return n.pfs.fillAttr(vpath, &out.Attr)
}

// Readdir implements fs.NodeReaddirer. The sidecar file is hidden from
// the root listing; it stays visible under any other directory.
func (n *permNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	vpath := n.virtualPath()
	entries, err := os.ReadDir(n.pfs.paths.Real(vpath))
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	result := []fuse.DirEntry{
		{Name: ".", Mode: fuse.S_IFDIR},
		{Name: "..", Mode: fuse.S_IFDIR},
	}
	for _, entry := range entries {
		if vpath == "/" && entry.Name() == SidecarName {
			continue
		}
		de := fuse.DirEntry{Name: entry.Name()}
		if info, err := entry.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				de.Mode = st.Mode
				de.Ino = st.Ino
			}
		}
		result = append(result, de)
	}

	return fs.NewListDirStream(result), fs.OK
}

// Access implements fs.NodeAccesser. Checks run against the real file;
// the emulated bits do not gate access.
func (n *permNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	if err := unix.Access(n.realPath(), mask); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}

// Readlink implements fs.NodeReadlinker. Absolute targets are rewritten
// relative to the source root so they resolve inside the mount.
func (n *permNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := os.Readlink(n.realPath())
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	if filepath.IsAbs(target) {
		target = n.pfs.paths.RelativeToRoot(target)
	}
	return []byte(target), fs.OK
}

// Mknod implements fs.NodeMknoder.
func (n *permNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vpath := n.childPath(name)
	if err := unix.Mknod(n.pfs.paths.Real(vpath), mode, int(dev)); err != nil {
		return nil, fs.ToErrno(err)
	}
	logging.Debug("mknod",
		logging.String("path", vpath),
		logging.Uint32("mode", mode),
	)
	return n.lookupEntry(ctx, vpath, out)
}

// Mkdir implements fs.NodeMkdirer.
func (n *permNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vpath := n.childPath(name)
	if err := os.Mkdir(n.pfs.paths.Real(vpath), os.FileMode(mode)); err != nil {
		return nil, fs.ToErrno(err)
	}
	return n.lookupEntry(ctx, vpath, out)
}

// Rmdir implements fs.NodeRmdirer.
func (n *permNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := syscall.Rmdir(n.pfs.paths.Real(n.childPath(name))); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (n *permNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := syscall.Unlink(n.pfs.paths.Real(n.childPath(name))); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}

// Symlink implements fs.NodeSymlinker. The target is stored in its real
// form under the source root; Readlink rescopes it back.
func (n *permNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vpath := n.childPath(name)
	if err := os.Symlink(n.pfs.paths.Real(target), n.pfs.paths.Real(vpath)); err != nil {
		return nil, fs.ToErrno(err)
	}
	logging.Debug("symlink",
		logging.String("path", vpath),
		logging.String("target", target),
	)
	return n.lookupEntry(ctx, vpath, out)
}

// Rename implements fs.NodeRenamer. Overlay records key on the virtual
// path, so a renamed file starts over with default attributes under
// its new name.
func (n *permNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	oldPath := n.pfs.paths.Real(n.childPath(name))
	newPath := n.pfs.paths.Real(childOf(newParent.EmbeddedInode(), newName))
	if err := os.Rename(oldPath, newPath); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}

// Link implements fs.NodeLinker.
func (n *permNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vpath := n.childPath(name)
	targetPath := n.pfs.paths.Real(virtualOf(target.EmbeddedInode()))
	if err := os.Link(targetPath, n.pfs.paths.Real(vpath)); err != nil {
		return nil, fs.ToErrno(err)
	}
	return n.lookupEntry(ctx, vpath, out)
}

// Create implements fs.NodeCreater.
func (n *permNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	vpath := n.childPath(name)
	p := n.pfs.paths.Real(vpath)

	fd, err := syscall.Open(p, int(flags)|syscall.O_CREAT, mode)
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}

	inode, errno := n.lookupEntry(ctx, vpath, out)
	if errno != 0 {
		syscall.Close(fd)
		return nil, nil, 0, errno
	}
	return inode, &permFileHandle{file: os.NewFile(uintptr(fd), p)}, 0, fs.OK
}

// Open implements fs.NodeOpener.
func (n *permNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.realPath()
	fd, err := syscall.Open(p, int(flags), 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return &permFileHandle{file: os.NewFile(uintptr(fd), p)}, 0, fs.OK
}

// Statfs implements fs.NodeStatfser.
func (n *permNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.realPath(), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return fs.OK
}

// permFileHandle wraps an open descriptor on the real file.
type permFileHandle struct {
	file *os.File
}

var (
	_ = (fs.FileReader)((*permFileHandle)(nil))
	_ = (fs.FileWriter)((*permFileHandle)(nil))
	_ = (fs.FileFlusher)((*permFileHandle)(nil))
	_ = (fs.FileReleaser)((*permFileHandle)(nil))
	_ = (fs.FileFsyncer)((*permFileHandle)(nil))
)

// Read implements fs.FileReader.
func (h *permFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write implements fs.FileWriter.
func (h *permFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.file.WriteAt(data, off)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(n), fs.OK
}

// Flush implements fs.FileFlusher. Data is synced on every close of a
// caller descriptor; the handle itself stays open until Release.
func (h *permFileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.file.Sync(); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}

// Release implements fs.FileReleaser.
func (h *permFileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.file.Close(); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}

// Fsync implements fs.FileFsyncer.
func (h *permFileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.file.Sync(); err != nil {
		return fs.ToErrno(err)
	}
	return fs.OK
}
