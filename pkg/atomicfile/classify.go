package atomicfile

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// retriableErrnos are the errors that signal transient resource pressure or
// lock contention rather than a permanent failure.
var retriableErrnos = []syscall.Errno{
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.EACCES,
	syscall.EPERM,
}

// geteuid is swapped in tests to exercise the privileged branch.
var geteuid = unix.Geteuid

// IsRetriable reports whether err carries an errno that is worth retrying:
// EMFILE, ENFILE, EAGAIN, EBUSY, EACCES or EPERM.
func IsRetriable(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	for _, e := range retriableErrnos {
		if errno == e {
			return true
		}
	}

	return false
}

// IsBenignOwnershipError reports whether a chown/chmod failure can be
// ignored. ENOSYS always is. EINVAL and EPERM are when the process is not
// running as root, since an unprivileged process legitimately cannot change
// ownership of some files.
func IsBenignOwnershipError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	switch errno {
	case syscall.ENOSYS:
		return true
	case syscall.EINVAL, syscall.EPERM:
		return geteuid() != 0
	}

	return false
}

func isNameTooLong(err error) bool {
	return errors.Is(err, syscall.ENAMETOOLONG)
}
