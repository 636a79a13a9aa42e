package fuse

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/utils"
)

const mountComponent = "mount"

// MountConfig names the mount point and its options.
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions are passed to the kernel at mount time.
type MountOptions struct {
	ReadOnly     bool          `yaml:"read_only"`
	AllowOther   bool          `yaml:"allow_other"`
	DefaultPerms bool          `yaml:"default_permissions"`
	MaxWrite     uint32        `yaml:"max_write"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// DefaultMountOptions returns the options used when none are configured.
// Short attribute timeouts keep the kernel from caching sizes that scheduled
// writes are about to change.
func DefaultMountOptions() *MountOptions {
	return &MountOptions{
		MaxWrite:     128 * 1024,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		FSName:       "ioschedfs",
		Subtype:      "loopback",
	}
}

// MountManager owns the FUSE server of one scheduled loopback mount.
type MountManager struct {
	fsys   *FileSystem
	config *MountConfig
	logger *utils.StructuredLogger

	mu     sync.Mutex
	server *fuse.Server
	done   chan struct{} // closed when the server stops serving
}

// NewMountManager prepares a mount of fsys. Nothing is mounted until Mount.
func NewMountManager(fsys *FileSystem, config *MountConfig, logger *utils.StructuredLogger) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &MountManager{fsys: fsys, config: config, logger: logger.WithComponent(mountComponent)}
}

// Mount attaches the filesystem and serves it in the background. The
// context is only consulted before mounting.
func (m *MountManager) Mount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serving() {
		return errors.New(errors.ErrCodeAlreadyStarted, "filesystem is already mounted").
			WithComponent(mountComponent).WithDetail("mount_point", m.config.MountPoint)
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.fsys.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "mount failed").
			WithComponent(mountComponent).WithOperation("mount").
			WithDetail("mount_point", m.config.MountPoint).WithCause(err)
	}
	done := make(chan struct{})
	m.server, m.done = server, done
	m.logger.Info("filesystem mounted", map[string]interface{}{
		"mount_point": m.config.MountPoint,
		"backing_dir": m.fsys.root.Path,
	})

	go func() {
		server.Wait()
		close(done)
		m.logger.Info("FUSE server stopped", map[string]interface{}{"mount_point": m.config.MountPoint})
	}()
	return nil
}

// Unmount detaches the filesystem. If the kernel refuses because files are
// still open, the mount is detached lazily.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	server, serving := m.server, m.serving()
	m.mu.Unlock()
	if !serving {
		return errors.New(errors.ErrCodeNotInitialized, "filesystem is not mounted").WithComponent(mountComponent)
	}

	if err := server.Unmount(); err != nil {
		m.logger.Warn("unmount refused, detaching lazily", map[string]interface{}{"error": err.Error()})
		if lazyErr := syscall.Unmount(m.config.MountPoint, syscall.MNT_DETACH); lazyErr != nil {
			return errors.New(errors.ErrCodeInternalError, "unmount failed").
				WithComponent(mountComponent).WithOperation("unmount").
				WithDetail("lazy_error", lazyErr.Error()).WithCause(err)
		}
	}
	m.logger.Info("filesystem unmounted", map[string]interface{}{"mount_point": m.config.MountPoint})
	return nil
}

// IsMounted reports whether the server is still serving.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serving()
}

// Wait blocks until the server stops. It returns at once if nothing was
// mounted.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// serving must be called with mu held.
func (m *MountManager) serving() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *MountManager) validateMountPoint() error {
	invalid := func(msg string) error {
		return errors.New(errors.ErrCodeInvalidConfig, msg).
			WithComponent(mountComponent).WithDetail("mount_point", m.config.MountPoint)
	}
	point := m.config.MountPoint
	if point == "" {
		return invalid("mount point is empty")
	}
	info, err := os.Stat(point)
	switch {
	case os.IsNotExist(err):
		return invalid("mount point does not exist")
	case err != nil:
		return invalid("mount point is not accessible: " + err.Error())
	case !info.IsDir():
		return invalid("mount point is not a directory")
	}
	if filepath.Clean(point) == filepath.Clean(m.fsys.root.Path) {
		return invalid("mount point is the backing directory")
	}
	if mountedAt(point) {
		return invalid("mount point is already in use")
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	attr, entry := o.AttrTimeout, o.EntryTimeout
	var extra []string
	for _, opt := range []struct {
		on   bool
		name string
	}{
		{o.ReadOnly, "ro"},
		{o.DefaultPerms, "default_permissions"},
		{o.Subtype != "", "subtype=" + o.Subtype},
	} {
		if opt.on {
			extra = append(extra, opt.name)
		}
	}
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.FSName,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   int(o.MaxWrite),
			Options:    extra,
		},
		AttrTimeout:     &attr,
		EntryTimeout:    &entry,
		NullPermissions: !o.DefaultPerms,
	}
}

// mountedAt reports whether /proc/mounts lists point as a mount target. An
// unreadable table counts as not mounted.
func mountedAt(point string) bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()
	target := filepath.Clean(point)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if fields := strings.Fields(sc.Text()); len(fields) > 1 && fields[1] == target {
			return true
		}
	}
	return false
}
