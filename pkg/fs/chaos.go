package fs

import (
	"errors"
	iofs "io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// Op names a filesystem operation that [Chaos] can fail.
type Op string

// Operations intercepted by [Chaos].
const (
	OpOpen         Op = "open"
	OpOpenFile     Op = "openfile"
	OpReadFile     Op = "readfile"
	OpMkdirAll     Op = "mkdirall"
	OpStat         Op = "stat"
	OpEvalSymlinks Op = "evalsymlinks"
	OpChmod        Op = "chmod"
	OpChown        Op = "chown"
	OpRemove       Op = "remove"
	OpRename       Op = "rename"
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpSync         Op = "sync"
	OpClose        Op = "close"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables rate-based injection. Deterministic failures
// queued with [Chaos.FailNext] still apply.
type ChaosConfig struct {
	// OpenFailRate controls how often FS.Open and FS.OpenFile fail.
	OpenFailRate float64

	// ReadFailRate controls how often FS.ReadFile and File.Read fail.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write fails without writing.
	WriteFailRate float64

	// SyncFailRate controls how often File.Sync fails.
	SyncFailRate float64

	// CloseFailRate controls how often File.Close reports an error. An
	// injected close failure leaves the descriptor open, so a retried Close
	// (or the caller's cleanup) still releases it.
	CloseFailRate float64

	// RenameFailRate controls how often FS.Rename fails. Returns an
	// *os.LinkError like [os.Rename].
	RenameFailRate float64

	// StatFailRate controls how often FS.Stat and FS.EvalSymlinks fail.
	StatFailRate float64

	// MkdirAllFailRate controls how often FS.MkdirAll fails.
	MkdirAllFailRate float64

	// ChangeFailRate controls how often FS.Chmod and FS.Chown fail.
	ChangeFailRate float64

	// RemoveFailRate controls how often FS.Remove fails.
	RemoveFailRate float64

	// Errnos is the pool of errors rate-based injection picks from.
	// Defaults to the transient resource errors EMFILE, ENFILE, EAGAIN and
	// EBUSY.
	Errnos []syscall.Errno
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps an [*fs.PathError] (or [*os.LinkError] for rename) carrying a real
// [syscall.Errno], so errors.Is and os.IsPermission keep working.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
// Returns false if err is nil.
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects errno failures for testing.
//
// Failures come from two sources:
//   - rates in [ChaosConfig], which pick an errno from the configured pool;
//   - [Chaos.FailNext], which queues an exact errno for the next n calls of an
//     operation regardless of rates.
//
// A hook installed with [Chaos.SetHook] runs before every intercepted
// operation. Tests use it to record ordering or to panic at a chosen step,
// which simulates the process dying at that point.
//
// Chaos never injects ENOENT; any os.IsNotExist result originates from the
// wrapped [FS].
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	mu     sync.Mutex
	rng    *rand.Rand
	queued map[Op][]syscall.Errno
	faults map[Op]int64
	hook   func(op Op, path string)
}

// NewChaos creates a new Chaos filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
func NewChaos(fs FS, seed uint64, config ChaosConfig) *Chaos {
	if len(config.Errnos) == 0 {
		config.Errnos = []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.EAGAIN, syscall.EBUSY}
	}

	return &Chaos{
		fs:     fs,
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		queued: make(map[Op][]syscall.Errno),
		faults: make(map[Op]int64),
	}
}

// SetMode updates Chaos behavior. Safe to call concurrently with
// filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// FailNext makes the next n calls of op fail with errno.
func (c *Chaos) FailNext(op Op, errno syscall.Errno, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for range n {
		c.queued[op] = append(c.queued[op], errno)
	}
}

// SetHook installs fn to run before every intercepted operation.
// Pass nil to remove the hook.
func (c *Chaos) SetHook(fn func(op Op, path string)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Faults returns how many failures were injected for op.
func (c *Chaos) Faults(op Op) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.faults[op]
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, n := range c.faults {
		total += n
	}

	return total
}

// inject decides whether op on path fails. It returns the errno to inject,
// or 0 for "pass through".
func (c *Chaos) inject(op Op, path string, rate float64) syscall.Errno {
	if ChaosMode(c.mode.Load()) == ChaosModeNoOp {
		return 0
	}

	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		hook(op, path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if q := c.queued[op]; len(q) > 0 {
		errno := q[0]
		c.queued[op] = q[1:]
		c.faults[op]++

		return errno
	}

	if rate <= 0 || c.rng.Float64() >= rate {
		return 0
	}

	c.faults[op]++

	return c.config.Errnos[c.rng.IntN(len(c.config.Errnos))]
}

func pathError(op Op, path string, errno syscall.Errno) error {
	return &chaosError{Err: &iofs.PathError{Op: string(op), Path: path, Err: errno}}
}

// --- File Operations ---

func (c *Chaos) Open(path string) (File, error) {
	if errno := c.inject(OpOpen, path, c.config.OpenFailRate); errno != 0 {
		return nil, pathError(OpOpen, path, errno)
	}

	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if errno := c.inject(OpOpenFile, path, c.config.OpenFailRate); errno != 0 {
		return nil, pathError(OpOpenFile, path, errno)
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c, path: path}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if errno := c.inject(OpReadFile, path, c.config.ReadFailRate); errno != 0 {
		return nil, pathError(OpReadFile, path, errno)
	}

	return c.fs.ReadFile(path)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if errno := c.inject(OpMkdirAll, path, c.config.MkdirAllFailRate); errno != 0 {
		return pathError(OpMkdirAll, path, errno)
	}

	return c.fs.MkdirAll(path, perm)
}

// --- Metadata ---

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if errno := c.inject(OpStat, path, c.config.StatFailRate); errno != 0 {
		return nil, pathError(OpStat, path, errno)
	}

	return c.fs.Stat(path)
}

func (c *Chaos) EvalSymlinks(path string) (string, error) {
	if errno := c.inject(OpEvalSymlinks, path, c.config.StatFailRate); errno != 0 {
		return "", pathError(OpEvalSymlinks, path, errno)
	}

	return c.fs.EvalSymlinks(path)
}

// --- Mutations ---

func (c *Chaos) Chmod(path string, mode os.FileMode) error {
	if errno := c.inject(OpChmod, path, c.config.ChangeFailRate); errno != 0 {
		return pathError(OpChmod, path, errno)
	}

	return c.fs.Chmod(path, mode)
}

func (c *Chaos) Chown(path string, uid, gid int) error {
	if errno := c.inject(OpChown, path, c.config.ChangeFailRate); errno != 0 {
		return pathError(OpChown, path, errno)
	}

	return c.fs.Chown(path, uid, gid)
}

func (c *Chaos) Remove(path string) error {
	if errno := c.inject(OpRemove, path, c.config.RemoveFailRate); errno != 0 {
		return pathError(OpRemove, path, errno)
	}

	return c.fs.Remove(path)
}

func (c *Chaos) Rename(oldpath, newpath string) error {
	if errno := c.inject(OpRename, oldpath, c.config.RenameFailRate); errno != 0 {
		return &chaosError{Err: &os.LinkError{Op: string(OpRename), Old: oldpath, New: newpath, Err: errno}}
	}

	return c.fs.Rename(oldpath, newpath)
}

// --- chaosFile wraps a File and injects faults on Read/Write/Sync/Close ---

type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

func (cf *chaosFile) Read(p []byte) (int, error) {
	if errno := cf.chaos.inject(OpRead, cf.path, cf.chaos.config.ReadFailRate); errno != 0 {
		return 0, pathError(OpRead, cf.path, errno)
	}

	return cf.f.Read(p)
}

func (cf *chaosFile) Write(p []byte) (int, error) {
	if errno := cf.chaos.inject(OpWrite, cf.path, cf.chaos.config.WriteFailRate); errno != 0 {
		return 0, pathError(OpWrite, cf.path, errno)
	}

	return cf.f.Write(p)
}

func (cf *chaosFile) Sync() error {
	if errno := cf.chaos.inject(OpSync, cf.path, cf.chaos.config.SyncFailRate); errno != 0 {
		return pathError(OpSync, cf.path, errno)
	}

	return cf.f.Sync()
}

func (cf *chaosFile) Close() error {
	if errno := cf.chaos.inject(OpClose, cf.path, cf.chaos.config.CloseFailRate); errno != 0 {
		return pathError(OpClose, cf.path, errno)
	}

	return cf.f.Close()
}

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}

func (cf *chaosFile) Fd() uintptr {
	return cf.f.Fd()
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	return cf.f.Stat()
}

func (cf *chaosFile) Chmod(mode os.FileMode) error {
	return cf.f.Chmod(mode)
}

func (cf *chaosFile) Chown(uid, gid int) error {
	return cf.f.Chown(uid, gid)
}

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
