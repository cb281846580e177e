package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vertti/threadgz/internal/queue"
)

// Reader is a gzip io.ReadCloser that decompresses ahead of the caller on a
// background goroutine. Decompressed chunks are handed over through a
// bounded queue, so the prefetcher stalls once QueueSize chunks are waiting.
//
// A decompression failure is recorded by the prefetcher and returned by
// Read after every chunk decoded before it has been consumed.
type Reader struct {
	dec       io.ReadCloser
	chunks    *queue.Queue[[]byte]
	chunkSize int
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written by prefetch before chunks is closed

	buf    []byte // remainder of the current chunk
	pos    int64
	closed bool
}

// NewReader opens a gzip stream on r and starts prefetching. The gzip
// header is read before NewReader returns.
func NewReader(r io.Reader, opts *DecompressOptions) (*Reader, error) {
	o := opts.withDefaults()

	dec, err := o.Codec.NewReader(r)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	zr := &Reader{
		dec:       dec,
		chunks:    queue.New[[]byte](o.QueueSize),
		chunkSize: o.ChunkSize,
		log:       o.Logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go zr.prefetch()

	zr.log.Debug("threaded gzip reader started",
		"chunk_size", o.ChunkSize,
		"queue_size", o.QueueSize)
	return zr, nil
}

// prefetch decompresses chunkSize bytes at a time until the stream ends,
// fails or the reader is closed.
func (r *Reader) prefetch() {
	defer close(r.done)
	defer r.chunks.Close()

	for {
		chunk := make([]byte, r.chunkSize)
		n, err := r.fill(chunk)
		if n > 0 {
			if perr := r.chunks.Put(r.ctx, chunk[:n]); perr != nil {
				return
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return
		default:
			r.err = fmt.Errorf("decompressing: %w", err)
			r.log.Warn("prefetch stopped", "error", err)
			return
		}
	}
}

// fill reads into chunk until it is full or the decoder returns an error.
// Unlike io.ReadFull, a decoder's io.ErrUnexpectedEOF is passed through
// untouched.
func (r *Reader) fill(chunk []byte) (int, error) {
	n := 0
	for n < len(chunk) {
		nn, err := r.dec.Read(chunk[n:])
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// next makes the next prefetched chunk current. It returns io.EOF or the
// prefetcher's error once the queue is closed and empty.
func (r *Reader) next() error {
	chunk, err := r.chunks.Get(context.Background())
	if err != nil {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	r.buf = chunk
	return nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.buf) == 0 {
		if err := r.next(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.pos += int64(n)
	return n, nil
}

// WriteTo writes every remaining decompressed byte to w.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}

	var total int64
	for {
		if len(r.buf) == 0 {
			if err := r.next(); err != nil {
				if errors.Is(err, io.EOF) {
					return total, nil
				}
				return total, err
			}
		}
		n, err := w.Write(r.buf)
		if err == nil && n < len(r.buf) {
			err = io.ErrShortWrite
		}
		r.buf = r.buf[n:]
		r.pos += int64(n)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Pos returns the number of decompressed bytes delivered so far.
func (r *Reader) Pos() int64 {
	return r.pos
}

// Close stops the prefetcher, waits for it and closes the decoder. The
// source reader is left open.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	r.cancel()
	<-r.done
	r.buf = nil
	r.log.Debug("threaded gzip reader closed", "bytes", r.pos)
	return r.dec.Close()
}
