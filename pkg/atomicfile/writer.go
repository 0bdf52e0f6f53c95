package atomicfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/calvinalkan/atomically/pkg/fs"
	"golang.org/x/sys/unix"
)

// Process-wide coordination state shared by every [Writer] that does not
// bring its own. Each is created on first use.
var (
	processSlots = sync.OnceValue(func() *Slots { return NewSlots(DefaultSlotLimit) })
	processLocks = sync.OnceValue(NewPathLocks)
	processTemps = sync.OnceValue(func() *TempRegistry {
		return NewTempRegistry(fs.NewReal(), DefaultMaxBasename, nil)
	})
)

// WriterOptions configures a [Writer]. The zero value is usable.
type WriterOptions struct {
	// FS is the filesystem to write through. Default: [fs.NewReal].
	FS fs.FS

	// Slots bounds concurrent filesystem calls. Default: the process-wide
	// scheduler with [DefaultSlotLimit].
	Slots *Slots

	// Locks serializes writes per path. Default: the process-wide table.
	Locks *PathLocks

	// Temps tracks live temp files. Default: the process-wide registry when
	// FS is unset, otherwise a registry private to this writer.
	Temps *TempRegistry

	// MaxBasename is the basename limit for temp name truncation when the
	// writer creates its own registry.
	MaxBasename int

	// AsyncTimeout and SyncTimeout override [DefaultAsyncTimeout] and
	// [DefaultSyncTimeout].
	AsyncTimeout time.Duration
	SyncTimeout  time.Duration

	// Logger receives retry and cleanup diagnostics. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Writer replaces files atomically.
//
// A write goes to a temp sibling of the target, is flushed and closed, and
// is then renamed over the target. Readers of the target see either the
// old content or the new content, never a mix. Writes to the same path are
// serialized in FIFO order; writes to different paths proceed in parallel,
// bounded only by the shared [Slots].
//
// Writer is safe for concurrent use.
type Writer struct {
	fs     fs.FS
	slots  *Slots
	locks  *PathLocks
	temps  *TempRegistry
	logger *slog.Logger

	asyncTimeout time.Duration
	syncTimeout  time.Duration
	jitter       func() time.Duration
}

// NewWriter returns a Writer configured by opts.
func NewWriter(opts WriterOptions) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	w := &Writer{
		fs:           opts.FS,
		slots:        opts.Slots,
		locks:        opts.Locks,
		temps:        opts.Temps,
		logger:       logger,
		asyncTimeout: opts.AsyncTimeout,
		syncTimeout:  opts.SyncTimeout,
		jitter:       retryJitter,
	}

	if w.temps == nil {
		if w.fs == nil && opts.MaxBasename <= 0 {
			w.temps = processTemps()
		} else {
			fsys := w.fs
			if fsys == nil {
				fsys = fs.NewReal()
			}

			w.temps = NewTempRegistry(fsys, opts.MaxBasename, logger)
		}
	}

	if w.fs == nil {
		w.fs = fs.NewReal()
	}

	if w.slots == nil {
		w.slots = processSlots()
	}

	if w.locks == nil {
		w.locks = processLocks()
	}

	if w.asyncTimeout <= 0 {
		w.asyncTimeout = DefaultAsyncTimeout
	}

	if w.syncTimeout <= 0 {
		w.syncTimeout = DefaultSyncTimeout
	}

	return w
}

// Temps returns the registry tracking this writer's live temp files.
func (w *Writer) Temps() *TempRegistry { return w.temps }

// PurgeTemps removes every temp file this writer still tracks.
func (w *Writer) PurgeTemps() { w.temps.PurgeAll() }

func (w *Writer) asyncRetrier(ctx context.Context, timeout time.Duration) *retrier {
	if timeout <= 0 {
		timeout = w.asyncTimeout
	}

	return &retrier{
		ctx:      ctx,
		deadline: time.Now().Add(timeout),
		slots:    w.slots,
		logger:   w.logger,
		jitter:   w.jitter,
	}
}

func (w *Writer) syncRetrier(timeout time.Duration) *retrier {
	if timeout <= 0 {
		timeout = w.syncTimeout
	}

	return &retrier{
		ctx:      context.Background(),
		deadline: time.Now().Add(timeout),
		logger:   w.logger,
	}
}

// Write atomically replaces the file at path with data.
//
// Retriable errors are retried with jittered backoff until opts.Timeout
// (default 7.5s) has passed. Every filesystem call holds a slot from the
// writer's [Slots]. ctx cancels waiting (for the path lock, a slot, or a
// backoff sleep) but not a filesystem call already in progress.
//
// On error the file at path is unchanged.
func (w *Writer) Write(ctx context.Context, path string, data []byte, opts *WriteOptions) error {
	o := writeOptionsOrDefault(opts)
	r := w.asyncRetrier(ctx, o.Timeout)

	return w.write(ctx, r, path, data, o, func() (func(), error) {
		return w.locks.Acquire(ctx, path)
	})
}

// WriteSync is the blocking variant of [Writer.Write]. It takes no slots
// and retries without sleeping until opts.Timeout (default 1s).
func (w *Writer) WriteSync(path string, data []byte, opts *WriteOptions) error {
	o := writeOptionsOrDefault(opts)
	r := w.syncRetrier(o.Timeout)

	return w.write(context.Background(), r, path, data, o, func() (func(), error) {
		return w.locks.AcquireSync(path), nil
	})
}

// WriteString is [Writer.Write] for a string payload converted with
// opts.Encoding.
func (w *Writer) WriteString(ctx context.Context, path, data string, opts *WriteOptions) error {
	o := writeOptionsOrDefault(opts)

	b, err := encodeString(data, o.Encoding)
	if err != nil {
		return opError("encode", path, err)
	}

	return w.Write(ctx, path, b, &o)
}

// WriteStringSync is [Writer.WriteSync] for a string payload.
func (w *Writer) WriteStringSync(path, data string, opts *WriteOptions) error {
	o := writeOptionsOrDefault(opts)

	b, err := encodeString(data, o.Encoding)
	if err != nil {
		return opError("encode", path, err)
	}

	return w.WriteSync(path, b, &o)
}

func (w *Writer) write(
	ctx context.Context, r *retrier, path string, data []byte, o WriteOptions, lock func() (func(), error),
) (err error) {
	if path == "" {
		return ErrEmptyPath
	}

	var (
		file     fs.File
		tempPath string
		schedule func()
		unlock   func()
	)

	defer func() {
		if file != nil {
			_ = file.Close()
		}

		if tempPath != "" {
			w.temps.Purge(tempPath)
		}

		if schedule != nil {
			schedule()
		}

		if unlock != nil {
			unlock()
		}
	}()

	if o.Schedule != nil {
		schedule, err = o.Schedule(ctx, path)
		if err != nil {
			return opError("schedule", path, err)
		}
	}

	unlock, err = lock()
	if err != nil {
		return opError("lock", path, err)
	}

	realPath := path
	if resolved, evalErr := w.fs.EvalSymlinks(path); evalErr == nil {
		realPath = resolved
	}

	reserved, dispose, err := w.temps.Reserve(realPath, o.TmpCreate, !o.KeepTemp)
	if err != nil {
		return opError("reserve", realPath, err)
	}

	tempPath = reserved

	mode, owner := o.Mode, o.Chown
	if mode == 0 || owner == nil {
		mode, owner = w.inherit(r, realPath, mode, owner)
	}

	_ = w.fs.MkdirAll(filepath.Dir(realPath), DefaultDirMode)

	openMode := mode
	if openMode == 0 {
		openMode = DefaultFileMode
	}

	err = r.do("open", tempPath, func() error {
		f, openErr := w.fs.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, openMode.Perm())
		if openErr != nil {
			return openErr
		}

		file = f

		return nil
	})
	if err != nil {
		return opError("open", tempPath, err)
	}

	if o.TmpCreated != nil {
		o.TmpCreated(tempPath)
	}

	written := 0

	err = r.do("write", tempPath, func() error {
		n, writeErr := file.Write(data[written:])
		written += n

		return writeErr
	})
	if err != nil {
		return opError("write", tempPath, err)
	}

	if !o.NoFsync {
		if !o.NoFsyncWait {
			err = r.do("fsync", tempPath, file.Sync)
			if err != nil {
				return opError("fsync", tempPath, err)
			}
		} else {
			go w.backgroundSync(file, tempPath)
		}
	}

	err = r.do("close", tempPath, file.Close)
	if err != nil {
		return opError("close", tempPath, err)
	}

	file = nil

	err = w.applyOwnership(tempPath, mode, owner)
	if err != nil {
		return err
	}

	err = w.rename(r, tempPath, realPath)
	if err != nil {
		return err
	}

	dispose()

	tempPath = ""

	if !o.NoSyncDir {
		return fsyncDir(w.fs, filepath.Dir(realPath))
	}

	return nil
}

// inherit fills in mode and owner from the file being replaced. It is best
// effort: a missing or unreadable target leaves both as given.
func (w *Writer) inherit(r *retrier, path string, mode os.FileMode, owner *Owner) (os.FileMode, *Owner) {
	var info os.FileInfo

	err := r.do("stat", path, func() error {
		var statErr error

		info, statErr = w.fs.Stat(path)

		return statErr
	})
	if err != nil {
		return mode, owner
	}

	if mode == 0 {
		mode = info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
	}

	if owner == nil {
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			owner = &Owner{UID: int(st.Uid), GID: int(st.Gid)}
		}
	}

	return mode, owner
}

// applyOwnership chowns and chmods the closed temp file. Failures that an
// unprivileged process is expected to hit are ignored.
func (w *Writer) applyOwnership(tempPath string, mode os.FileMode, owner *Owner) error {
	if owner != nil && (owner.UID != geteuid() || owner.GID != unix.Getegid()) {
		err := w.fs.Chown(tempPath, owner.UID, owner.GID)
		if err != nil && !IsBenignOwnershipError(err) {
			return opError("chown", tempPath, err)
		}
	}

	if mode != 0 {
		err := w.fs.Chmod(tempPath, mode)
		if err != nil && !IsBenignOwnershipError(err) {
			return opError("chmod", tempPath, err)
		}
	}

	return nil
}

// rename moves the temp file over realPath. A temp or target name the
// filesystem rejects as too long gets one more try against the truncated
// target name.
func (w *Writer) rename(r *retrier, tempPath, realPath string) error {
	err := r.do("rename", tempPath, func() error {
		return w.fs.Rename(tempPath, realPath)
	})
	if err == nil {
		return nil
	}

	if !isNameTooLong(err) {
		return opError("rename", realPath, err)
	}

	truncated := w.temps.Truncate(realPath)
	w.logger.Debug("rename target name too long, retrying truncated", "path", realPath, "truncated", truncated)

	err = r.do("rename", tempPath, func() error {
		return w.fs.Rename(tempPath, truncated)
	})

	return opError("rename", truncated, err)
}

func (w *Writer) backgroundSync(file fs.File, path string) {
	err := file.Sync()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		w.logger.Debug("background fsync", "path", path, "err", err)
	}
}

func fsyncDir(fsys fs.FS, dir string) error {
	d, err := fsys.Open(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", dir, syncErr))
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	return nil
}
