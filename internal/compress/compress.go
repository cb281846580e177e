// Package compress provides a parallel, streaming gzip writer and a
// prefetching gzip reader.
package compress

import (
	"fmt"
	"io"
)

// sinkOnly hides io.Closer so that Compress leaves the caller's writer open.
type sinkOnly struct {
	io.Writer
}

// Compress reads r until EOF and writes it to w as a single gzip member,
// compressing blocks in parallel. w is not closed.
func Compress(r io.Reader, w io.Writer, opts *Options) error {
	zw, err := NewWriter(sinkOnly{w}, opts)
	if err != nil {
		return fmt.Errorf("starting compression: %w", err)
	}

	if _, err := zw.ReadFrom(r); err != nil {
		_ = zw.Close() //nolint:errcheck // the read error is the one to report
		return fmt.Errorf("compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing gzip stream: %w", err)
	}
	return nil
}

// Decompress reads the gzip stream r and writes the decompressed bytes to w.
func Decompress(r io.Reader, w io.Writer, opts *DecompressOptions) error {
	zr, err := NewReader(r, opts)
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}

	if _, err := zr.WriteTo(w); err != nil {
		_ = zr.Close() //nolint:errcheck // the copy error is the one to report
		return err
	}
	return zr.Close()
}
