// Package atomicfile reads and writes whole files atomically.
//
// A write goes to a uniquely named temp sibling of the target, is flushed,
// closed, given the target's mode and owner, and renamed over the target.
// Concurrent writes to the same path are applied one at a time in call
// order; writes to different paths run in parallel. Transient errors such
// as EMFILE or EBUSY are retried until a deadline.
//
//	err := atomicfile.WriteString(ctx, "config.json", `{"a":1}`, nil)
//
// Temp files left behind by failed writes are removed as soon as the write
// gives up. Call [InstallExitHook] from main to also remove temp files of
// writes interrupted by SIGINT or SIGTERM.
//
// The package targets Unix systems; ownership inheritance reads
// syscall.Stat_t.
package atomicfile
