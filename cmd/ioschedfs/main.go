// Command ioschedfs mounts a directory through the adaptive I/O scheduler.
//
//	ioschedfs -backing-dir /srv/data -mount-dir /mnt/data -config iosched.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/objectfs/iosched/internal/config"
	"github.com/objectfs/iosched/internal/fuse"
	"github.com/objectfs/iosched/pkg/engine"
	"github.com/objectfs/iosched/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ioschedfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	backingDir := flag.String("backing-dir", "", "directory to use as storage")
	mountDir := flag.String("mount-dir", "", "directory to mount at")
	configFile := flag.String("config", "", "path to a YAML configuration file")
	policy := flag.String("policy", "", "starting scheduling policy (NOOP, TO, SJF, TWINS)")
	readOnly := flag.Bool("read-only", false, "mount read-only")
	allowOther := flag.Bool("allow-other", false, "allow other users to access the mount")
	debug := flag.Bool("debug", false, "log FUSE traffic")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "time allowed to drain and persist on exit")
	flag.Parse()

	if *backingDir == "" || *mountDir == "" {
		return fmt.Errorf("arguments -backing-dir and -mount-dir are required")
	}
	var err error
	if *backingDir, err = filepath.Abs(*backingDir); err != nil {
		return fmt.Errorf("invalid backing-dir: %w", err)
	}
	if *mountDir, err = filepath.Abs(*mountDir); err != nil {
		return fmt.Errorf("invalid mount-dir: %w", err)
	}

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if *policy != "" {
		cfg.Scheduler.DefaultPolicy = *policy
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogFile)
	if err != nil {
		return err
	}
	defer logger.Close()

	eng, err := engine.New(cfg, fuse.NewClient(), engine.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan error, 1)
	go func() { loopDone <- eng.Run(ctx) }()

	fsys, err := fuse.NewFileSystem(*backingDir, eng, &fuse.Config{
		ReadOnly: *readOnly,
		Queues:   cfg.Scheduler.TWINS.Queues,
	}, logger)
	if err != nil {
		return shutdown(eng, *shutdownTimeout, err)
	}

	opts := fuse.DefaultMountOptions()
	opts.ReadOnly = *readOnly
	opts.AllowOther = *allowOther
	opts.Debug = *debug
	mgr := fuse.NewMountManager(fsys, &fuse.MountConfig{MountPoint: *mountDir, Options: opts}, logger)
	if err := mgr.Mount(ctx); err != nil {
		return shutdown(eng, *shutdownTimeout, err)
	}

	aggLimit, _ := cfg.AggregationLimit()
	logger.Info("ioschedfs started", map[string]interface{}{
		"backing_dir":     *backingDir,
		"mount_dir":       *mountDir,
		"policy":          eng.ActivePolicy().String(),
		"max_aggregation": humanize.IBytes(uint64(aggLimit)),
	})

	served := make(chan struct{})
	go func() {
		mgr.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, unmounting")
		if err := mgr.Unmount(); err != nil {
			logger.Error("unmount failed", map[string]interface{}{"error": err.Error()})
		}
	case <-served:
		logger.Info("filesystem unmounted externally")
	case err := <-loopDone:
		logger.Error("scheduling loop exited", map[string]interface{}{"error": fmt.Sprint(err)})
		_ = mgr.Unmount()
	}

	stats := fsys.GetStats()
	logger.Info("filesystem statistics", map[string]interface{}{
		"reads":         stats.Reads,
		"writes":        stats.Writes,
		"bytes_read":    humanize.IBytes(uint64(stats.BytesRead)),
		"bytes_written": humanize.IBytes(uint64(stats.BytesWritten)),
		"unscheduled":   stats.Unscheduled,
		"avg_wait":      stats.AvgWait.String(),
	})
	return shutdown(eng, *shutdownTimeout, nil)
}

func shutdown(eng *engine.Engine, timeout time.Duration, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil && cause == nil {
		return err
	}
	return cause
}
