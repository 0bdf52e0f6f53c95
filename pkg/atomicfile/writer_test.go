package atomicfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/calvinalkan/atomically/pkg/fs"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

type testWriter struct {
	*Writer

	chaos *fs.Chaos
}

func newTestWriter(t *testing.T) *testWriter {
	t.Helper()

	chaos := fs.NewChaos(fs.NewReal(), uint64(time.Now().UnixNano()), fs.ChaosConfig{})

	w := NewWriter(WriterOptions{
		FS:    chaos,
		Slots: NewSlots(64),
		Locks: NewPathLocks(),
	})
	w.jitter = func() time.Duration { return time.Millisecond }

	return &testWriter{Writer: w, chaos: chaos}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	return string(b)
}

func mustWriteFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}

	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

func tempNamePattern(target string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(target) + `\.tmp-\d{10}[a-f0-9]{6}$`)
}

// tempFiles lists entries in dir that look like temp files.
func tempFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	var out []string

	for _, e := range entries {
		if strings.Contains(e.Name(), tempMarker) {
			out = append(out, e.Name())
		}
	}

	return out
}

func TestWriter_RoundTrip(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cfg.json")

	if err := w.Write(ctx, path, []byte(`{"a":1}`), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := w.Read(ctx, path, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got, want := string(got), `{"a":1}`; got != want {
		t.Fatalf("Read=%q, want %q", got, want)
	}

	if got := tempFiles(t, filepath.Dir(path)); len(got) != 0 {
		t.Fatalf("temp files left: %v", got)
	}

	if got := w.Temps().Len(); got != 0 {
		t.Fatalf("registry Len=%d, want 0", got)
	}
}

func TestWriter_SequentialWritesKeepLast(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cfg.json")

	for _, s := range []string{"X", "Y"} {
		if err := w.WriteString(ctx, path, s, nil); err != nil {
			t.Fatal(err)
		}
	}

	if got, want := mustRead(t, path), "Y"; got != want {
		t.Fatalf("content=%q, want %q", got, want)
	}
}

func TestWriter_StringEncodings(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		encoding string
		in       string
		onDisk   string
	}{
		{"utf8", "héllo", "héllo"},
		{"base64", "aGVsbG8=", "hello"},
		{"hex", "68656c6c6f", "hello"},
		{"latin1", "hé", "h\xe9"},
	}

	for _, tt := range tests {
		path := filepath.Join(dir, tt.encoding)

		opts := WriteOptions{}
		opts.Encoding = tt.encoding

		if err := w.WriteString(ctx, path, tt.in, &opts); err != nil {
			t.Fatalf("%s: WriteString: %v", tt.encoding, err)
		}

		if got := mustRead(t, path); got != tt.onDisk {
			t.Fatalf("%s: on disk=%q, want %q", tt.encoding, got, tt.onDisk)
		}

		back, err := w.ReadString(ctx, path, &ReadOptions{Encoding: tt.encoding})
		if err != nil {
			t.Fatalf("%s: ReadString: %v", tt.encoding, err)
		}

		if back != tt.in {
			t.Fatalf("%s: ReadString=%q, want %q", tt.encoding, back, tt.in)
		}
	}

	opts := WriteOptions{}
	opts.Encoding = "ebcdic"

	err := w.WriteString(ctx, filepath.Join(dir, "bad"), "x", &opts)
	if !errors.Is(err, ErrUnknownEncoding) {
		t.Fatalf("err=%v, want ErrUnknownEncoding", err)
	}
}

func TestWriter_ConcurrentWritesNeverTear(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	const n = 50

	payloads := make(map[string]bool, n)

	g, ctx := errgroup.WithContext(context.Background())

	for i := range n {
		p := strings.Repeat(fmt.Sprintf("writer-%02d;", i), 500)
		payloads[p] = true

		g.Go(func() error { return w.WriteString(ctx, path, p, nil) })
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := mustRead(t, path); !payloads[got] {
		t.Fatalf("final content is not one writer's payload (len=%d)", len(got))
	}

	if got := tempFiles(t, dir); len(got) != 0 {
		t.Fatalf("temp files left: %v", got)
	}
}

func TestWriter_SamePathAppliesInCallOrder(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	// Hold the path so the writes queue up behind us in a known order.
	hold := w.locks.AcquireSync(path)

	g, ctx := errgroup.WithContext(context.Background())

	var order []string

	for i := range 5 {
		s := fmt.Sprintf("v%d", i)
		order = append(order, s)

		g.Go(func() error { return w.WriteString(ctx, path, s, nil) })

		waitFor(t, "write to queue", func() bool { return w.locks.queueLen(path) == i+2 })
	}

	var seen []string

	w.chaos.SetHook(func(op fs.Op, p string) {
		if op == fs.OpRename {
			// The temp file is complete at this point.
			b, err := os.ReadFile(p)
			if err == nil {
				seen = append(seen, string(b))
			}
		}
	})

	hold()

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(order, seen); diff != "" {
		t.Fatalf("rename order mismatch (-want +got):\n%s", diff)
	}

	if got, want := mustRead(t, path), "v4"; got != want {
		t.Fatalf("content=%q, want %q", got, want)
	}
}

func TestWriter_DifferentPathsProceedInParallel(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")

	hold := w.locks.AcquireSync(a)
	defer hold()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.WriteString(ctx, b, "b", nil); err != nil {
		t.Fatalf("write to b while a is locked: %v", err)
	}

	if got := mustRead(t, b); got != "b" {
		t.Fatalf("b=%q", got)
	}
}

func TestWriter_InheritsExistingMode(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "secret")

	mustWriteFile(t, path, "old", 0o600)

	if err := w.WriteString(context.Background(), path, "new", nil); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o600); got != want {
		t.Fatalf("mode=%v, want %v", got, want)
	}
}

func TestWriter_ExplicitModeWins(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "f")

	mustWriteFile(t, path, "old", 0o600)

	opts := WriteOptions{}
	opts.Mode = 0o640

	if err := w.WriteString(context.Background(), path, "new", &opts); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o640); got != want {
		t.Fatalf("mode=%v, want %v", got, want)
	}
}

func TestWriter_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "a", "b", "c.json")

	if err := w.WriteString(context.Background(), path, "{}", nil); err != nil {
		t.Fatal(err)
	}

	if got := mustRead(t, path); got != "{}" {
		t.Fatalf("content=%q", got)
	}
}

func TestWriter_LongBasenameUsesTruncatedTemp(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()

	// 250 bytes fits NAME_MAX, but not with a 21 byte temp suffix.
	path := filepath.Join(dir, strings.Repeat("n", 245)+".json")

	var temp string

	opts := WriteOptions{}
	opts.TmpCreated = func(p string) { temp = p }

	if err := w.WriteString(context.Background(), path, "long", &opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := len(filepath.Base(temp)); got != DefaultMaxBasename {
		t.Fatalf("temp basename len=%d, want %d", got, DefaultMaxBasename)
	}

	if got := mustRead(t, path); got != "long" {
		t.Fatalf("content=%q", got)
	}
}

func TestWriter_TargetNameTooLongFallsBackToTruncated(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, strings.Repeat("z", 300)+".json")

	if err := w.WriteString(context.Background(), path, "short name", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	truncated := w.Temps().Truncate(path)
	if got := mustRead(t, truncated); got != "short name" {
		t.Fatalf("content at %s=%q", truncated, got)
	}
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	w.chaos.FailNext(fs.OpOpenFile, syscall.EMFILE, 3)
	w.chaos.FailNext(fs.OpWrite, syscall.EAGAIN, 2)
	w.chaos.FailNext(fs.OpSync, syscall.EBUSY, 1)
	w.chaos.FailNext(fs.OpClose, syscall.EAGAIN, 1)
	w.chaos.FailNext(fs.OpRename, syscall.EBUSY, 2)

	if err := w.WriteString(context.Background(), path, "survived", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := mustRead(t, path); got != "survived" {
		t.Fatalf("content=%q", got)
	}

	if got, want := w.chaos.TotalFaults(), int64(9); got != want {
		t.Fatalf("TotalFaults=%d, want %d", got, want)
	}
}

func TestWriter_SyncRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	w.chaos.FailNext(fs.OpOpenFile, syscall.ENFILE, 5)
	w.chaos.FailNext(fs.OpRename, syscall.EACCES, 2)

	if err := w.WriteStringSync(path, "sync", nil); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	got, err := w.ReadStringSync(path, nil)
	if err != nil {
		t.Fatalf("ReadSync: %v", err)
	}

	if got != "sync" {
		t.Fatalf("ReadSync=%q", got)
	}
}

func TestWriter_PermanentFailureLeavesTargetAndRemovesTemp(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	mustWriteFile(t, path, "old", 0o644)

	w.chaos.FailNext(fs.OpRename, syscall.EIO, 1)

	err := w.WriteString(context.Background(), path, "new", nil)
	if !errors.Is(err, syscall.EIO) {
		t.Fatalf("err=%v, want EIO", err)
	}

	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "rename" {
		t.Fatalf("err=%v, want *OpError{Op: rename}", err)
	}

	if got := mustRead(t, path); got != "old" {
		t.Fatalf("target=%q, want unchanged", got)
	}

	if got := tempFiles(t, dir); len(got) != 0 {
		t.Fatalf("temp files left: %v", got)
	}
}

func TestWriter_PartialOptionsKeepDefaults(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	var mu sync.Mutex

	var ops []fs.Op

	w.chaos.SetHook(func(op fs.Op, _ string) {
		mu.Lock()
		ops = append(ops, op)
		mu.Unlock()
	})

	opts := &WriteOptions{Mode: 0o600}

	if err := w.WriteString(context.Background(), path, "x", opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mu.Lock()
	synced := slices.Contains(ops, fs.OpSync)
	dirOpened := slices.Contains(ops, fs.OpOpen)
	mu.Unlock()

	if !synced {
		t.Fatal("temp file was not fsynced")
	}

	if !dirOpened {
		t.Fatal("parent directory was not synced")
	}

	w.chaos.FailNext(fs.OpRename, syscall.EIO, 1)

	if err := w.WriteString(context.Background(), path, "y", opts); !errors.Is(err, syscall.EIO) {
		t.Fatalf("err=%v, want EIO", err)
	}

	if got := tempFiles(t, dir); len(got) != 0 {
		t.Fatalf("temp files left: %v", got)
	}

	if got := mustRead(t, path); got != "x" {
		t.Fatalf("target=%q, want unchanged", got)
	}
}

func TestWriter_KeepTempLeavesTempOnFailure(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	w.chaos.FailNext(fs.OpRename, syscall.EIO, 1)

	opts := WriteOptions{}
	opts.KeepTemp = true

	if err := w.WriteString(context.Background(), path, "new", &opts); err == nil {
		t.Fatal("expected error")
	}

	left := tempFiles(t, dir)
	if len(left) != 1 {
		t.Fatalf("temp files=%v, want exactly one", left)
	}

	if got := mustRead(t, filepath.Join(dir, left[0])); got != "new" {
		t.Fatalf("temp content=%q", got)
	}

	if got := w.Temps().Len(); got != 0 {
		t.Fatalf("registry Len=%d, want 0", got)
	}
}

func TestWriter_GivesUpAfterTimeout(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	w.chaos.FailNext(fs.OpWrite, syscall.EBUSY, 1_000_000)

	opts := WriteOptions{}
	opts.Timeout = 50 * time.Millisecond

	start := time.Now()

	err := w.WriteString(context.Background(), path, "x", &opts)
	if !errors.Is(err, syscall.EBUSY) {
		t.Fatalf("err=%v, want EBUSY", err)
	}

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("gave up after %s, want >= 50ms", elapsed)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("target exists after failed write (err=%v)", err)
	}
}

func TestWriter_CrashBeforeRenameLeavesTargetIntact(t *testing.T) {
	t.Parallel()

	for _, at := range []fs.Op{fs.OpWrite, fs.OpSync, fs.OpClose, fs.OpRename} {
		t.Run(string(at), func(t *testing.T) {
			t.Parallel()

			w := newTestWriter(t)
			dir := t.TempDir()
			path := filepath.Join(dir, "cfg.json")

			mustWriteFile(t, path, `{"a":1}`, 0o644)

			var crashed atomic.Bool

			w.chaos.SetHook(func(op fs.Op, _ string) {
				if op == at && crashed.CompareAndSwap(false, true) {
					panic("crash at " + string(op))
				}
			})

			func() {
				defer func() {
					if r := recover(); r == nil {
						t.Fatal("expected panic")
					}
				}()

				_ = w.WriteString(context.Background(), path, `{"a":2}`, nil)
			}()

			if got := mustRead(t, path); got != `{"a":1}` {
				t.Fatalf("target=%q, want old content", got)
			}

			if got := tempFiles(t, dir); len(got) != 0 {
				t.Fatalf("temp files left after unwinding: %v", got)
			}
		})
	}
}

func TestWriter_FollowsSymlink(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "real.json")
	link := filepath.Join(dir, "link.json")

	mustWriteFile(t, target, "old", 0o644)

	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	if err := w.WriteString(context.Background(), link, "new", nil); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(link)
	if err != nil {
		t.Fatal(err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatal("link was replaced by a regular file")
	}

	if got := mustRead(t, target); got != "new" {
		t.Fatalf("target=%q, want new", got)
	}
}

func TestWriter_ScheduleWrapsWrite(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	var events []string

	opts := WriteOptions{}
	opts.Schedule = func(_ context.Context, p string) (func(), error) {
		events = append(events, "schedule "+filepath.Base(p))

		return func() { events = append(events, "done") }, nil
	}
	opts.TmpCreated = func(string) { events = append(events, "tmp") }

	if err := w.WriteString(context.Background(), path, "x", &opts); err != nil {
		t.Fatal(err)
	}

	want := []string{"schedule cfg.json", "tmp", "done"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	errDenied := errors.New("denied")
	opts.Schedule = func(context.Context, string) (func(), error) { return nil, errDenied }

	if err := w.WriteString(context.Background(), path, "y", &opts); !errors.Is(err, errDenied) {
		t.Fatalf("err=%v, want errDenied", err)
	}

	if got := mustRead(t, path); got != "x" {
		t.Fatalf("content=%q after rejected schedule", got)
	}
}

func TestWriter_TmpCreatedSeesOpenTemp(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	var existed bool

	opts := WriteOptions{}
	opts.TmpCreated = func(p string) {
		_, err := os.Stat(p)
		existed = err == nil && tempNamePattern(path).MatchString(p)
	}

	if err := w.WriteString(context.Background(), path, "x", &opts); err != nil {
		t.Fatal(err)
	}

	if !existed {
		t.Fatal("TmpCreated not called with an existing, well-formed temp path")
	}
}

func TestWriter_FsyncVariants(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()

	for i, o := range []WriteOptions{
		{NoFsync: true},
		{NoFsyncWait: true},
		{NoSyncDir: true},
	} {
		path := filepath.Join(dir, fmt.Sprintf("f%d", i))

		if err := w.WriteString(context.Background(), path, "x", &o); err != nil {
			t.Fatalf("opts %+v: %v", o, err)
		}

		if got := mustRead(t, path); got != "x" {
			t.Fatalf("opts %+v: content=%q", o, got)
		}
	}
}

func TestWriter_DirSyncFailureIsReported(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	w.chaos.FailNext(fs.OpOpen, syscall.EIO, 1)

	err := w.WriteString(context.Background(), path, "x", nil)
	if !errors.Is(err, ErrDirSync) {
		t.Fatalf("err=%v, want ErrDirSync", err)
	}

	if got := mustRead(t, path); got != "x" {
		t.Fatalf("content=%q, want new content in place", got)
	}
}

func TestWriter_EmptyPath(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)

	if err := w.Write(context.Background(), "", []byte("x"), nil); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("Write err=%v, want ErrEmptyPath", err)
	}

	if _, err := w.Read(context.Background(), "", nil); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("Read err=%v, want ErrEmptyPath", err)
	}
}

func TestWriter_CancelledContext(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	mustWriteFile(t, path, "old", 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.WriteString(ctx, path, "new", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want Canceled", err)
	}

	if got := mustRead(t, path); got != "old" {
		t.Fatalf("target=%q, want old", got)
	}

	if got := tempFiles(t, dir); len(got) != 0 {
		t.Fatalf("temp files left: %v", got)
	}
}

func TestWriter_ChownToSelfIsSkipped(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	opts := WriteOptions{}
	opts.Chown = &Owner{UID: os.Geteuid(), GID: os.Getegid()}

	w.chaos.FailNext(fs.OpChown, syscall.EIO, 1)

	if err := w.WriteString(context.Background(), path, "x", &opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := w.chaos.Faults(fs.OpChown); got != 0 {
		t.Fatalf("chown called %d times, want 0", got)
	}
}

func TestWriter_ChownFailureIsBenignWhenUnprivileged(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}

	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	opts := WriteOptions{}
	opts.Chown = &Owner{UID: 0, GID: 0}

	if err := w.WriteString(context.Background(), path, "x", &opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := mustRead(t, path); got != "x" {
		t.Fatalf("content=%q", got)
	}
}

func TestWriter_ReadRetriesAndReportsMissing(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	path := filepath.Join(t.TempDir(), "cfg.json")

	mustWriteFile(t, path, "x", 0o644)

	w.chaos.FailNext(fs.OpReadFile, syscall.EMFILE, 2)

	got, err := w.ReadString(context.Background(), path, nil)
	if err != nil || got != "x" {
		t.Fatalf("ReadString=%q, %v", got, err)
	}

	_, err = w.Read(context.Background(), path+".missing", nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestWriter_PurgeTempsRemovesLiveTemps(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	release := make(chan struct{})
	created := make(chan string, 1)

	opts := WriteOptions{}
	opts.TmpCreated = func(p string) {
		created <- p
		<-release
	}

	done := make(chan error, 1)

	go func() { done <- w.WriteString(context.Background(), path, "x", &opts) }()

	temp := <-created

	w.PurgeTemps()

	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Fatalf("temp survived PurgeTemps (err=%v)", err)
	}

	close(release)

	// The write loses its temp file; whichever way it ends, the target must
	// never hold a partial file.
	if err := <-done; err == nil {
		if got := mustRead(t, path); got != "x" {
			t.Fatalf("content=%q", got)
		}
	}
}

func TestWriter_RandomFaultsKeepContentWhole(t *testing.T) {
	t.Parallel()

	chaos := fs.NewChaos(fs.NewReal(), 42, fs.ChaosConfig{
		OpenFailRate:     0.2,
		WriteFailRate:    0.2,
		SyncFailRate:     0.2,
		CloseFailRate:    0.2,
		RenameFailRate:   0.2,
		StatFailRate:     0.2,
		MkdirAllFailRate: 0.2,
	})
	tracer := fs.NewTracer(chaos, 500)
	tracer.LogOnFailure(t)

	w := NewWriter(WriterOptions{FS: tracer, Slots: NewSlots(16), Locks: NewPathLocks()})
	w.jitter = func() time.Duration { return time.Millisecond }

	dir := t.TempDir()
	path := filepath.Join(dir, "state.bin")

	const initial = "initial"

	mustWriteFile(t, path, initial, 0o640)

	payloads := map[string]bool{initial: true}

	var versions []string

	for i := range 3 {
		p := strings.Repeat(fmt.Sprintf("version-%d|", i), 2000)
		payloads[p] = true
		versions = append(versions, p)
	}

	opts := WriteOptions{}
	opts.NoSyncDir = true

	var stop atomic.Bool

	readerDone := make(chan error, 1)

	go func() {
		for !stop.Load() {
			b, err := os.ReadFile(path)
			if err != nil {
				readerDone <- err

				return
			}

			if !payloads[string(b)] {
				readerDone <- fmt.Errorf("torn read (len=%d)", len(b))

				return
			}
		}

		readerDone <- nil
	}()

	g, ctx := errgroup.WithContext(context.Background())

	for i := range 8 {
		g.Go(func() error {
			for j := range 10 {
				err := w.WriteString(ctx, path, versions[(i+j)%len(versions)], &opts)
				if err != nil {
					return err
				}
			}

			return nil
		})
	}

	err := g.Wait()
	stop.Store(true)

	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := <-readerDone; err != nil {
		t.Fatalf("reader: %v", err)
	}

	if got := chaos.TotalFaults(); got == 0 {
		t.Fatal("no faults injected")
	}

	if got := tracer.OpenFiles(); got != 0 {
		t.Fatalf("OpenFiles=%d, want 0", got)
	}

	if got := tempFiles(t, dir); len(got) != 0 {
		t.Fatalf("temp files left: %v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if got := info.Mode().Perm(); got != 0o640 {
		t.Fatalf("mode=%#o, want 0640", got)
	}
}
