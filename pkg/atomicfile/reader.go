package atomicfile

import (
	"context"
)

// Read returns the content of the file at path.
//
// Reads take neither the path lock nor a temp file: the rename in
// [Writer.Write] already guarantees a reader sees a complete version.
// Retriable errors are retried under the same policy as Write.
func (w *Writer) Read(ctx context.Context, path string, opts *ReadOptions) ([]byte, error) {
	o := readOptionsOrDefault(opts)

	return w.read(w.asyncRetrier(ctx, o.Timeout), path)
}

// ReadSync is the blocking variant of [Writer.Read].
func (w *Writer) ReadSync(path string, opts *ReadOptions) ([]byte, error) {
	o := readOptionsOrDefault(opts)

	return w.read(w.syncRetrier(o.Timeout), path)
}

// ReadString is [Writer.Read] decoded with opts.Encoding.
func (w *Writer) ReadString(ctx context.Context, path string, opts *ReadOptions) (string, error) {
	o := readOptionsOrDefault(opts)

	data, err := w.Read(ctx, path, &o)
	if err != nil {
		return "", err
	}

	return w.decode(path, data, o.Encoding)
}

// ReadStringSync is [Writer.ReadSync] decoded with opts.Encoding.
func (w *Writer) ReadStringSync(path string, opts *ReadOptions) (string, error) {
	o := readOptionsOrDefault(opts)

	data, err := w.ReadSync(path, &o)
	if err != nil {
		return "", err
	}

	return w.decode(path, data, o.Encoding)
}

func (w *Writer) read(r *retrier, path string) ([]byte, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	var data []byte

	err := r.do("read", path, func() error {
		b, err := w.fs.ReadFile(path)
		if err != nil {
			return err
		}

		data = b

		return nil
	})
	if err != nil {
		return nil, opError("read", path, err)
	}

	return data, nil
}

func (w *Writer) decode(path string, data []byte, encoding string) (string, error) {
	s, err := decodeString(data, encoding)
	if err != nil {
		return "", opError("decode", path, err)
	}

	return s, nil
}
