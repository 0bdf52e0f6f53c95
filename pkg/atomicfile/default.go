package atomicfile

import (
	"context"
	"sync"
)

var defaultWriter = sync.OnceValue(func() *Writer { return NewWriter(WriterOptions{}) })

// Default returns the process-wide writer used by the package-level
// functions. It writes through the real filesystem and shares the
// process-wide slots, path locks and temp registry.
func Default() *Writer { return defaultWriter() }

// Write calls [Writer.Write] on [Default].
func Write(ctx context.Context, path string, data []byte, opts *WriteOptions) error {
	return Default().Write(ctx, path, data, opts)
}

// WriteSync calls [Writer.WriteSync] on [Default].
func WriteSync(path string, data []byte, opts *WriteOptions) error {
	return Default().WriteSync(path, data, opts)
}

// WriteString calls [Writer.WriteString] on [Default].
func WriteString(ctx context.Context, path, data string, opts *WriteOptions) error {
	return Default().WriteString(ctx, path, data, opts)
}

// WriteStringSync calls [Writer.WriteStringSync] on [Default].
func WriteStringSync(path, data string, opts *WriteOptions) error {
	return Default().WriteStringSync(path, data, opts)
}

// Read calls [Writer.Read] on [Default].
func Read(ctx context.Context, path string, opts *ReadOptions) ([]byte, error) {
	return Default().Read(ctx, path, opts)
}

// ReadSync calls [Writer.ReadSync] on [Default].
func ReadSync(path string, opts *ReadOptions) ([]byte, error) {
	return Default().ReadSync(path, opts)
}

// ReadString calls [Writer.ReadString] on [Default].
func ReadString(ctx context.Context, path string, opts *ReadOptions) (string, error) {
	return Default().ReadString(ctx, path, opts)
}

// ReadStringSync calls [Writer.ReadStringSync] on [Default].
func ReadStringSync(path string, opts *ReadOptions) (string, error) {
	return Default().ReadStringSync(path, opts)
}

// PurgeAllSync removes every temp file tracked by the process-wide
// registry. It is safe to call from a signal handler goroutine or a
// deferred exit path.
func PurgeAllSync() { processTemps().PurgeAll() }
