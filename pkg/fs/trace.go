package fs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// TestBuilder is the subset of [testing.T] used by [Tracer.LogOnFailure].
type TestBuilder interface {
	Cleanup(func())
	Failed() bool
	Logf(format string, args ...any)
}

// Tracer wraps an [FS] and records a bounded trace of recent operations
// together with a count of files it opened that are not closed yet.
//
// Tests wrap a [Chaos] in a Tracer to dump the operations leading up to a
// failure and to assert that every descriptor is released.
type Tracer struct {
	fs    FS
	trace *traceLog
	open  atomic.Int64
}

// NewTracer wraps fs. capacity bounds the trace; <= 0 selects 200.
func NewTracer(fs FS, capacity int) *Tracer {
	if capacity <= 0 {
		capacity = 200
	}

	return &Tracer{fs: fs, trace: &traceLog{capacity: capacity}}
}

// Trace returns recent operations, oldest first, one per line.
func (t *Tracer) Trace() string { return t.trace.String() }

// OpenFiles returns the number of files opened through t and not yet
// successfully closed.
func (t *Tracer) OpenFiles() int { return int(t.open.Load()) }

// LogOnFailure logs the trace when tb fails.
func (t *Tracer) LogOnFailure(tb TestBuilder) {
	tb.Cleanup(func() {
		if tb.Failed() {
			if trace := t.Trace(); trace != "" {
				tb.Logf("fs trace:\n%s", trace)
			}
		}
	})
}

func (t *Tracer) wrapFile(op Op, path string, f File, err error, attrs ...kv) (File, error) {
	t.trace.add(op, path, err, attrs...)

	if err != nil {
		return nil, err
	}

	t.open.Add(1)

	return &tracedFile{f: f, tracer: t, path: path}, nil
}

func (t *Tracer) Open(path string) (File, error) {
	f, err := t.fs.Open(path)

	return t.wrapFile(OpOpen, path, f, err)
}

func (t *Tracer) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := t.fs.OpenFile(path, flag, perm)

	return t.wrapFile(OpOpenFile, path, f, err, attr("flag", strconv.Itoa(flag)), attr("perm", fmt.Sprintf("%#o", perm)))
}

func (t *Tracer) ReadFile(path string) ([]byte, error) {
	data, err := t.fs.ReadFile(path)
	t.trace.add(OpReadFile, path, err, attr("n", strconv.Itoa(len(data))))

	return data, err
}

func (t *Tracer) MkdirAll(path string, perm os.FileMode) error {
	err := t.fs.MkdirAll(path, perm)
	t.trace.add(OpMkdirAll, path, err)

	return err
}

func (t *Tracer) Stat(path string) (os.FileInfo, error) {
	info, err := t.fs.Stat(path)
	t.trace.add(OpStat, path, err)

	return info, err
}

func (t *Tracer) EvalSymlinks(path string) (string, error) {
	resolved, err := t.fs.EvalSymlinks(path)
	t.trace.add(OpEvalSymlinks, path, err, attr("resolved", resolved))

	return resolved, err
}

func (t *Tracer) Chmod(path string, mode os.FileMode) error {
	err := t.fs.Chmod(path, mode)
	t.trace.add(OpChmod, path, err, attr("mode", fmt.Sprintf("%#o", mode)))

	return err
}

func (t *Tracer) Chown(path string, uid, gid int) error {
	err := t.fs.Chown(path, uid, gid)
	t.trace.add(OpChown, path, err, attr("uid", strconv.Itoa(uid)), attr("gid", strconv.Itoa(gid)))

	return err
}

func (t *Tracer) Remove(path string) error {
	err := t.fs.Remove(path)
	t.trace.add(OpRemove, path, err)

	return err
}

func (t *Tracer) Rename(oldpath, newpath string) error {
	err := t.fs.Rename(oldpath, newpath)
	t.trace.add(OpRename, oldpath, err, attr("dest", newpath))

	return err
}

type kv struct {
	k string
	v string
}

func attr(k, v string) kv { return kv{k: k, v: v} }

type traceEvent struct {
	seq   uint64
	op    Op
	path  string
	err   error
	attrs []kv
}

func (e traceEvent) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "#%d %s path=%q", e.seq, e.op, e.path)

	for _, a := range e.attrs {
		fmt.Fprintf(&b, " %s=%s", a.k, a.v)
	}

	if e.err == nil {
		b.WriteString(" ok")

		return b.String()
	}

	fmt.Fprintf(&b, " err=%v injected=%t", e.err, IsChaosErr(e.err))

	return b.String()
}

// traceLog is a bounded ring of [traceEvent].
type traceLog struct {
	mu       sync.Mutex
	capacity int
	events   []traceEvent
	next     int
	seq      uint64
}

func (t *traceLog) add(op Op, path string, err error, attrs ...kv) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	e := traceEvent{seq: t.seq, op: op, path: path, err: err, attrs: attrs}

	if len(t.events) < t.capacity {
		t.events = append(t.events, e)

		return
	}

	t.events[t.next] = e
	t.next = (t.next + 1) % t.capacity
}

func (t *traceLog) String() string {
	t.mu.Lock()
	events := append(append([]traceEvent(nil), t.events[t.next:]...), t.events[:t.next]...)
	t.mu.Unlock()

	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.String()
	}

	return strings.Join(lines, "\n")
}

type tracedFile struct {
	f      File
	tracer *Tracer
	path   string
	closed atomic.Bool
}

func (tf *tracedFile) Read(p []byte) (int, error) {
	n, err := tf.f.Read(p)
	tf.tracer.trace.add(OpRead, tf.path, err, attr("n", strconv.Itoa(n)))

	return n, err
}

func (tf *tracedFile) Write(p []byte) (int, error) {
	n, err := tf.f.Write(p)
	tf.tracer.trace.add(OpWrite, tf.path, err, attr("n", strconv.Itoa(n)))

	return n, err
}

func (tf *tracedFile) Sync() error {
	err := tf.f.Sync()
	tf.tracer.trace.add(OpSync, tf.path, err)

	return err
}

func (tf *tracedFile) Close() error {
	err := tf.f.Close()
	tf.tracer.trace.add(OpClose, tf.path, err)

	if err == nil && tf.closed.CompareAndSwap(false, true) {
		tf.tracer.open.Add(-1)
	}

	return err
}

func (tf *tracedFile) Seek(offset int64, whence int) (int64, error) {
	return tf.f.Seek(offset, whence)
}

func (tf *tracedFile) Fd() uintptr { return tf.f.Fd() }

func (tf *tracedFile) Stat() (os.FileInfo, error) { return tf.f.Stat() }

func (tf *tracedFile) Chmod(mode os.FileMode) error { return tf.f.Chmod(mode) }

func (tf *tracedFile) Chown(uid, gid int) error { return tf.f.Chown(uid, gid) }

var (
	_ FS   = (*Tracer)(nil)
	_ File = (*tracedFile)(nil)
)
