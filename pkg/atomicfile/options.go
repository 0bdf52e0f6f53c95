package atomicfile

import (
	"context"
	"os"
	"time"
)

// Defaults used when options leave a field unset.
const (
	DefaultAsyncTimeout = 7500 * time.Millisecond
	DefaultSyncTimeout  = 1000 * time.Millisecond

	DefaultFileMode os.FileMode = 0o666
	DefaultDirMode  os.FileMode = 0o777
)

// Owner is a numeric uid/gid pair.
type Owner struct {
	UID int
	GID int
}

// ScheduleFunc lets a caller impose extra coordination on a write. It is
// called with the target path before the path lock is taken; the returned
// func is called once the write finishes, successfully or not.
type ScheduleFunc func(ctx context.Context, path string) (func(), error)

// WriteOptions configures a write. The zero value, like a nil
// *WriteOptions, selects the defaults: flush the temp file and wait for it,
// flush the parent directory, and remove the temp file on failure.
type WriteOptions struct {
	// Encoding converts string payloads to bytes: "utf8" (default),
	// "base64", "hex" or "latin1". Ignored for []byte payloads.
	Encoding string

	// Mode is the permission of the new file. Zero inherits the mode of the
	// file being replaced, or [DefaultFileMode] (before umask) for new files.
	Mode os.FileMode

	// Chown sets the owner of the new file. Nil inherits the owner of the
	// file being replaced.
	Chown *Owner

	// NoFsync skips flushing the temp file before it is renamed into place.
	NoFsync bool

	// NoFsyncWait starts the flush in the background and renames without
	// waiting for it.
	NoFsyncWait bool

	// NoSyncDir skips flushing the parent directory after the rename. The
	// new directory entry may then not survive a power loss.
	NoSyncDir bool

	// TmpCreate overrides the temp name generator.
	TmpCreate NameGenerator

	// TmpCreated is called with the temp path once the temp file is open.
	TmpCreated func(tempPath string)

	// KeepTemp leaves the temp file on disk when the write fails. It is
	// deregistered either way, so a later purge does not remove it.
	KeepTemp bool

	// Schedule, if set, wraps the write in external coordination.
	Schedule ScheduleFunc

	// Timeout is the retry deadline, measured from the start of the write.
	// Zero selects the writer's default for the mode.
	Timeout time.Duration
}

// ReadOptions configures a read. A nil *ReadOptions means the defaults.
type ReadOptions struct {
	// Encoding converts file bytes to a string for the string read variants.
	Encoding string

	// Timeout is the retry deadline. Zero selects the writer's default.
	Timeout time.Duration
}

func writeOptionsOrDefault(opts *WriteOptions) WriteOptions {
	if opts == nil {
		return WriteOptions{}
	}

	return *opts
}

func readOptionsOrDefault(opts *ReadOptions) ReadOptions {
	if opts == nil {
		return ReadOptions{}
	}

	return *opts
}
