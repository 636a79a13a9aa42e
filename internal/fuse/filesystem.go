package fuse

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/iosched/internal/cache"
	"github.com/objectfs/iosched/pkg/engine"
	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
	"github.com/objectfs/iosched/pkg/utils"
)

// Scheduler is the part of the engine the filesystem submits I/O to.
type Scheduler interface {
	AddRequest(fileID string, kind types.Kind, offset, length int64, tag interface{}, opts ...engine.AddOption) (cache.Handle, error)
	ReleaseRequest(fileID string, kind types.Kind, length, offset int64) error
}

// NewClient returns the engine client for a scheduled filesystem. Every
// request submitted by a file handle carries a channel that the client closes
// on dispatch, releasing the waiting FUSE operation.
func NewClient() types.Client {
	return types.ClientFunc(func(req types.Request) {
		if ch, ok := req.Tag.(chan struct{}); ok {
			close(ch)
		}
	})
}

// Config represents scheduled filesystem configuration
type Config struct {
	ReadOnly bool `yaml:"read_only"`
	// Queues spreads files over TWINS queues by path hash. Values below 2
	// put every request in queue 0.
	Queues int `yaml:"queues"`
}

// FileSystem is a loopback filesystem whose reads and writes are ordered by
// the scheduler.
type FileSystem struct {
	root      *fs.LoopbackRoot
	scheduler Scheduler
	config    *Config
	logger    *utils.StructuredLogger
	stats     stats
}

type stats struct {
	opens        atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	unscheduled  atomic.Int64
	errors       atomic.Int64
	waitNanos    atomic.Int64
}

// Stats represents filesystem operation statistics
type Stats struct {
	Opens        int64         `json:"opens"`
	Reads        int64         `json:"reads"`
	Writes       int64         `json:"writes"`
	BytesRead    int64         `json:"bytes_read"`
	BytesWritten int64         `json:"bytes_written"`
	Unscheduled  int64         `json:"unscheduled"`
	Errors       int64         `json:"errors"`
	AvgWait      time.Duration `json:"avg_wait"`
}

// NewFileSystem mirrors backingDir. The scheduler's client must be the one
// returned by NewClient.
func NewFileSystem(backingDir string, scheduler Scheduler, config *Config, logger *utils.StructuredLogger) (*FileSystem, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	var st syscall.Stat_t
	if err := syscall.Stat(backingDir, &st); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "cannot stat backing directory").
			WithComponent("fuse").WithDetail("path", backingDir).WithCause(err)
	}

	fsys := &FileSystem{
		scheduler: scheduler,
		config:    config,
		logger:    logger.WithComponent("fuse"),
	}
	fsys.root = &fs.LoopbackRoot{
		Path: backingDir,
		Dev:  uint64(st.Dev),
		NewNode: func(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
			return &node{LoopbackNode: fs.LoopbackNode{RootData: rootData}, fs: fsys}
		},
	}
	fsys.root.RootNode = fsys.root.NewNode(fsys.root, nil, "", &st)
	return fsys, nil
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return fsys.root.RootNode
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *Stats {
	s := &Stats{
		Opens:        fsys.stats.opens.Load(),
		Reads:        fsys.stats.reads.Load(),
		Writes:       fsys.stats.writes.Load(),
		BytesRead:    fsys.stats.bytesRead.Load(),
		BytesWritten: fsys.stats.bytesWritten.Load(),
		Unscheduled:  fsys.stats.unscheduled.Load(),
		Errors:       fsys.stats.errors.Load(),
	}
	if ops := s.Reads + s.Writes; ops > 0 {
		s.AvgWait = time.Duration(fsys.stats.waitNanos.Load() / ops)
	}
	return s
}

func (fsys *FileSystem) queue(path string) int {
	if fsys.config.Queues < 2 {
		return 0
	}
	return int(xxhash.Sum64String(path) % uint64(fsys.config.Queues))
}

// wrap returns a handle that schedules I/O on fh.
func (fsys *FileSystem) wrap(fh fs.FileHandle, path string) fs.FileHandle {
	fsys.stats.opens.Add(1)
	return &fileHandle{inner: fh, path: path, fs: fsys}
}

// wait submits one request and blocks until it is dispatched. A request the
// scheduler refuses is performed immediately rather than failed.
// An interrupted wait is never released; the scheduler forgets it after
// performance.ExpireAfter intervals.
func (fsys *FileSystem) wait(ctx context.Context, path string, kind types.Kind, off, length int64) (scheduled bool, errno syscall.Errno) {
	start := time.Now()
	defer func() { fsys.stats.waitNanos.Add(int64(time.Since(start))) }()

	done := make(chan struct{})
	_, err := fsys.scheduler.AddRequest(path, kind, off, length, done, engine.WithQueue(fsys.queue(path)))
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeShutdownInProgress) {
			return false, syscall.EIO
		}
		fsys.stats.unscheduled.Add(1)
		fsys.logger.Debug("request not scheduled", map[string]interface{}{
			"path": path, "kind": kind.String(), "offset": off, "length": length, "error": err.Error(),
		})
		return false, 0
	}
	select {
	case <-done:
		return true, 0
	case <-ctx.Done():
		return false, syscall.EINTR
	}
}

func (fsys *FileSystem) release(path string, kind types.Kind, off, length int64) {
	if err := fsys.scheduler.ReleaseRequest(path, kind, length, off); err != nil {
		fsys.logger.Debug("release not matched", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

// node is a loopback inode whose files are opened through the scheduler.
type node struct {
	fs.LoopbackNode
	fs *FileSystem
}

var (
	_ fs.NodeOpener  = (*node)(nil)
	_ fs.NodeCreater = (*node)(nil)
)

func (n *node) relPath(name string) string {
	return filepath.Join(n.Path(nil), name)
}

// Open opens the backing file and wraps its handle.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	fh, fuseFlags, errno := n.LoopbackNode.Open(ctx, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return n.fs.wrap(fh, n.relPath("")), fuseFlags, 0
}

// Create creates the backing file and wraps its handle.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	inode, fh, fuseFlags, errno := n.LoopbackNode.Create(ctx, name, flags, mode, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return inode, n.fs.wrap(fh, n.relPath(name)), fuseFlags, 0
}

// fileHandle forwards to the loopback handle once the scheduler has
// dispatched the operation.
type fileHandle struct {
	inner fs.FileHandle
	path  string
	fs    *FileSystem
}

var (
	_ fs.FileReader    = (*fileHandle)(nil)
	_ fs.FileWriter    = (*fileHandle)(nil)
	_ fs.FileFlusher   = (*fileHandle)(nil)
	_ fs.FileFsyncer   = (*fileHandle)(nil)
	_ fs.FileReleaser  = (*fileHandle)(nil)
	_ fs.FileGetattrer = (*fileHandle)(nil)
	_ fs.FileSetattrer = (*fileHandle)(nil)
)

// Read reads data from the file
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	r, ok := fh.inner.(fs.FileReader)
	if !ok {
		return nil, syscall.ENOTSUP
	}
	fh.fs.stats.reads.Add(1)

	length := int64(len(dest))
	scheduled, errno := fh.fs.wait(ctx, fh.path, types.Read, off, length)
	if errno != 0 {
		fh.fs.stats.errors.Add(1)
		return nil, errno
	}
	res, errno := r.Read(ctx, dest, off)
	if scheduled {
		fh.fs.release(fh.path, types.Read, off, length)
	}
	if errno != 0 {
		fh.fs.stats.errors.Add(1)
		return nil, errno
	}
	fh.fs.stats.bytesRead.Add(int64(res.Size()))
	return res, 0
}

// Write writes data to the file
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if fh.fs.config.ReadOnly {
		return 0, syscall.EROFS
	}
	w, ok := fh.inner.(fs.FileWriter)
	if !ok {
		return 0, syscall.ENOTSUP
	}
	fh.fs.stats.writes.Add(1)

	length := int64(len(data))
	scheduled, errno := fh.fs.wait(ctx, fh.path, types.Write, off, length)
	if errno != 0 {
		fh.fs.stats.errors.Add(1)
		return 0, errno
	}
	n, errno := w.Write(ctx, data, off)
	if scheduled {
		fh.fs.release(fh.path, types.Write, off, length)
	}
	if errno != 0 {
		fh.fs.stats.errors.Add(1)
		return n, errno
	}
	fh.fs.stats.bytesWritten.Add(int64(n))
	return n, 0
}

// Flush flushes any pending writes
func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	if f, ok := fh.inner.(fs.FileFlusher); ok {
		return f.Flush(ctx)
	}
	return 0
}

func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if f, ok := fh.inner.(fs.FileFsyncer); ok {
		return f.Fsync(ctx, flags)
	}
	return 0
}

// Release releases the file handle
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if f, ok := fh.inner.(fs.FileReleaser); ok {
		return f.Release(ctx)
	}
	return 0
}

func (fh *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	if f, ok := fh.inner.(fs.FileGetattrer); ok {
		return f.Getattr(ctx, out)
	}
	return syscall.ENOTSUP
}

func (fh *fileHandle) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if fh.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if f, ok := fh.inner.(fs.FileSetattrer); ok {
		return f.Setattr(ctx, in, out)
	}
	return syscall.ENOTSUP
}
