package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writeOnce(fsys FS, path string, data []byte) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	closeErr := f.Close()

	return errors.Join(err, closeErr)
}

func TestChaos_PassesThroughWhenNoOp(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 1, ChaosConfig{
		OpenFailRate:  1.0,
		ReadFailRate:  1.0,
		WriteFailRate: 1.0,
	})
	chaos.SetMode(ChaosModeNoOp)

	path := filepath.Join(t.TempDir(), "a.txt")

	if err := writeOnce(chaos, path, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := chaos.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if got, want := string(got), "hello"; got != want {
		t.Fatalf("ReadFile=%q, want %q", got, want)
	}

	if got := chaos.TotalFaults(); got != 0 {
		t.Fatalf("TotalFaults=%d, want 0", got)
	}
}

func TestChaos_RateOneAlwaysFailsWithPoolErrno(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 7, ChaosConfig{
		OpenFailRate: 1.0,
		Errnos:       []syscall.Errno{syscall.EBUSY},
	})

	path := filepath.Join(t.TempDir(), "a.txt")

	for range 5 {
		_, err := chaos.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
		if !errors.Is(err, syscall.EBUSY) {
			t.Fatalf("OpenFile err=%v, want EBUSY", err)
		}

		if !IsChaosErr(err) {
			t.Fatalf("IsChaosErr(%v)=false", err)
		}

		var pe *iofs.PathError
		if !errors.As(err, &pe) || pe.Path != path {
			t.Fatalf("err=%v, want *PathError for %q", err, path)
		}
	}

	if got, want := chaos.Faults(OpOpenFile), int64(5); got != want {
		t.Fatalf("Faults(open)=%d, want %d", got, want)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("injected open must not create the file, stat err=%v", err)
	}
}

func TestChaos_FailNextIsExactAndOrdered(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 1, ChaosConfig{})
	chaos.FailNext(OpReadFile, syscall.EMFILE, 1)
	chaos.FailNext(OpReadFile, syscall.EAGAIN, 1)

	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := chaos.ReadFile(path)
	if !errors.Is(err, syscall.EMFILE) {
		t.Fatalf("1st err=%v, want EMFILE", err)
	}

	_, err = chaos.ReadFile(path)
	if !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("2nd err=%v, want EAGAIN", err)
	}

	got, err := chaos.ReadFile(path)
	if err != nil {
		t.Fatalf("3rd err=%v, want nil", err)
	}

	if string(got) != "x" {
		t.Fatalf("ReadFile=%q, want %q", got, "x")
	}
}

func TestChaos_RenameReturnsLinkError(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 1, ChaosConfig{})
	chaos.FailNext(OpRename, syscall.EBUSY, 1)

	dir := t.TempDir()
	src, dst := filepath.Join(dir, "src"), filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := chaos.Rename(src, dst)

	var le *os.LinkError
	if !errors.As(err, &le) {
		t.Fatalf("err=%T %v, want *os.LinkError", err, err)
	}

	if le.Old != src || le.New != dst {
		t.Fatalf("LinkError old=%q new=%q", le.Old, le.New)
	}

	if _, err := os.Stat(src); err != nil {
		t.Fatalf("src should still exist: %v", err)
	}
}

func TestChaos_CloseFailureLeavesFileOpen(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 1, ChaosConfig{})
	path := filepath.Join(t.TempDir(), "a.txt")

	f, err := chaos.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	chaos.FailNext(OpClose, syscall.EAGAIN, 1)

	if err := f.Close(); !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("1st Close=%v, want EAGAIN", err)
	}

	if _, err := f.Write([]byte("still open")); err != nil {
		t.Fatalf("Write after failed close: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("2nd Close=%v, want nil", err)
	}
}

func TestChaos_HookSeesOpsInOrder(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 1, ChaosConfig{})

	var ops []Op

	chaos.SetHook(func(op Op, _ string) { ops = append(ops, op) })

	path := filepath.Join(t.TempDir(), "a.txt")
	if err := writeOnce(chaos, path, []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := chaos.Rename(path, path+".2"); err != nil {
		t.Fatal(err)
	}

	want := []Op{OpOpenFile, OpWrite, OpClose, OpRename}
	if len(ops) != len(want) {
		t.Fatalf("ops=%v, want %v", ops, want)
	}

	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops=%v, want %v", ops, want)
		}
	}
}

func TestChaos_NeverInjectsNotExist(t *testing.T) {
	t.Parallel()

	chaos := NewChaos(NewReal(), 99, ChaosConfig{StatFailRate: 0.5})
	missing := filepath.Join(t.TempDir(), "missing")

	for range 50 {
		_, err := chaos.Stat(missing)
		if err == nil {
			t.Fatal("Stat of missing file succeeded")
		}

		if IsChaosErr(err) {
			if os.IsNotExist(err) {
				t.Fatalf("injected error is ENOENT: %v", err)
			}

			continue
		}

		if !os.IsNotExist(err) {
			t.Fatalf("real error=%v, want not-exist", err)
		}
	}
}
