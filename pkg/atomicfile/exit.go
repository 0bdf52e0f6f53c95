package atomicfile

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// InstallExitHook purges w's temp files when the process receives one of
// signals (SIGINT and SIGTERM if none are given), then re-raises the signal
// with the default disposition so the process still terminates the way it
// would have. A nil w selects [Default].
//
// The returned stop func uninstalls the hook and purges once more; defer it
// in main to cover a normal return. Nothing can run on SIGKILL, so temp
// files may survive that.
func InstallExitHook(w *Writer, signals ...os.Signal) (stop func()) {
	if w == nil {
		w = Default()
	}

	if len(signals) == 0 {
		signals = []os.Signal{unix.SIGINT, unix.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	done := make(chan struct{})

	signal.Notify(ch, signals...)

	go func() {
		select {
		case sig := <-ch:
			w.PurgeTemps()
			signal.Stop(ch)

			if s, ok := sig.(syscall.Signal); ok {
				_ = unix.Kill(unix.Getpid(), s)
			}
		case <-done:
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
			w.PurgeTemps()
		})
	}
}
