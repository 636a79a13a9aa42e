/*
Package fuse mounts a loopback filesystem whose data operations are ordered by
the I/O scheduler.

Every read and write on an open file becomes one scheduler request. The FUSE
operation blocks until the engine dispatches the request, then performs the I/O
on the backing file and reports completion through ReleaseRequest:

	┌──────────────┐   AddRequest    ┌──────────────┐
	│ FUSE handler │ ──────────────▶ │    engine    │
	│  (blocked)   │ ◀────────────── │  (policies)  │
	└──────────────┘    dispatch     └──────────────┘
	       │ pread/pwrite
	       ▼
	 backing directory

Wiring an engine to the filesystem:

	eng, err := engine.New(cfg, fuse.NewClient())
	if err != nil {
		return err
	}
	go eng.Run(ctx)

	fsys, err := fuse.NewFileSystem("/srv/data", eng, &fuse.Config{Queues: 8}, logger)
	if err != nil {
		return err
	}
	mgr := fuse.NewMountManager(fsys, &fuse.MountConfig{MountPoint: "/mnt/data"}, logger)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}

Metadata operations (lookup, readdir, mkdir, unlink, rename) go straight to
the backing directory. Requests the scheduler refuses, for example because the
outstanding limit is reached, are performed immediately and counted in
Stats.Unscheduled.

With Config.Queues above one, files are spread over TWINS queues by a hash of
their path so that TWINS alternates between groups of files.
*/
package fuse
