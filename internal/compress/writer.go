package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vertti/threadgz/internal/codec"
	"github.com/vertti/threadgz/internal/format"
	"github.com/vertti/threadgz/internal/queue"
)

// ErrClosed is returned when writing to, flushing or reading from a closed
// stream.
var ErrClosed = errors.New("use of closed gzip stream")

// compressJob is one block handed to a worker, with the trailing window of
// the block dispatched before it.
type compressJob struct {
	payload []byte
	dict    []byte
}

// compressedUnit is a worker's result for one block.
type compressedUnit struct {
	data   []byte
	crc    uint32
	length int
	err    error
}

// streamSummary is published once by the sequencer when it stops.
type streamSummary struct {
	crc    uint32
	size   int64
	blocks int
}

// Writer is a gzip io.WriteCloser that compresses blocks on several
// goroutines. Written bytes are cut into blocks of Options.BlockSize; block i
// goes to worker i mod N and a single sequencer writes the results to the
// sink in block order.
//
// Compression is asynchronous. A failure in a worker or in the sink is kept
// and returned by the next Write, Flush or Close.
type Writer struct {
	sink      io.Writer
	codec     codec.Codec
	level     int
	blockSize int
	log       *slog.Logger

	mu     sync.Mutex // serializes Write, ReadFrom, Flush and Close
	buf    []byte     // bytes not yet dispatched, at most blockSize
	prev   []byte     // last dispatched block, source of the next dictionary
	index  int        // sequence number of the next dispatched block
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	inputs  []*queue.Queue[compressJob]
	outputs []*queue.Queue[compressedUnit]
	group   *errgroup.Group
	summary chan streamSummary

	errMu sync.Mutex
	err   error
}

// NewWriter writes a gzip header to w and starts the compression workers
// and the output sequencer. Close stops them, writes the end of the stream
// and closes w if it implements io.Closer.
func NewWriter(w io.Writer, opts *Options) (*Writer, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	header := format.NewHeader(o.Level == codec.BestSpeed)
	if err := header.Write(w); err != nil {
		return nil, fmt.Errorf("writing gzip header: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	zw := &Writer{
		sink:      w,
		codec:     o.Codec,
		level:     o.Level,
		blockSize: o.BlockSize,
		log:       o.Logger,
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		inputs:    make([]*queue.Queue[compressJob], o.Workers),
		outputs:   make([]*queue.Queue[compressedUnit], o.Workers),
		summary:   make(chan streamSummary, 1),
	}
	for i := range o.Workers {
		zw.inputs[i] = queue.New[compressJob](o.QueueSize)
		zw.outputs[i] = queue.New[compressedUnit](o.QueueSize)
	}
	zw.start()
	return zw, nil
}

func (w *Writer) start() {
	for i := range w.inputs {
		w.group.Go(func() error {
			return w.runCompressionWorker(i)
		})
	}
	w.group.Go(w.runSequencer)

	w.log.Debug("threaded gzip writer started",
		"workers", len(w.inputs),
		"block_size", w.blockSize,
		"level", w.level)
}

// Write buffers p and dispatches every completed block. It returns len(p)
// unless the stream is closed or has failed; compression happens later.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}

	written := 0
	for len(p) > 0 {
		if w.buf == nil {
			w.buf = make([]byte, 0, w.blockSize)
		}
		take := min(w.blockSize-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		written += take

		if len(w.buf) == w.blockSize {
			if err := w.dispatch(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// ReadFrom reads r until EOF straight into block buffers.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}

	var total int64
	for {
		if w.buf == nil {
			w.buf = make([]byte, 0, w.blockSize)
		}
		n, err := r.Read(w.buf[len(w.buf):w.blockSize])
		w.buf = w.buf[:len(w.buf)+n]
		total += int64(n)

		if len(w.buf) == w.blockSize {
			if derr := w.dispatch(); derr != nil {
				return total, derr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if ferr := w.failure(); ferr != nil {
			return total, ferr
		}
	}
}

// Flush dispatches any buffered bytes as a block and waits until every
// dispatched block has been written to the sink. If the sink has a
// Flush method it is called afterwards.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.flush()
}

// Close flushes, stops the workers, writes the end block and the trailer,
// and closes the sink. The trailer is not written if the stream has failed.
// Calling Close again is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.flush()
	summary, werr := w.stop()
	if err == nil {
		err = werr
	}
	if err == nil {
		err = w.failure()
	}
	if err == nil {
		err = w.finish(summary)
	}

	if c, ok := w.sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing sink: %w", cerr)
		}
	}

	if err != nil {
		w.log.Warn("threaded gzip writer closed with error", "error", err)
		return err
	}
	w.log.Debug("threaded gzip writer closed",
		"blocks", summary.blocks,
		"bytes", summary.size)
	return nil
}

func (w *Writer) usable() error {
	if w.closed {
		return ErrClosed
	}
	return w.failure()
}

// dispatch hands the buffered block to the next worker in round-robin
// order, paired with the trailing window of the previous block.
func (w *Writer) dispatch() error {
	block := w.buf
	w.buf = nil

	dict := w.prev
	if len(dict) > codec.WindowSize {
		dict = dict[len(dict)-codec.WindowSize:]
	}
	w.prev = block

	worker := w.index % len(w.inputs)
	w.index++
	if err := w.inputs[worker].Put(w.ctx, compressJob{payload: block, dict: dict}); err != nil {
		return fmt.Errorf("dispatching block %d: %w", w.index-1, err)
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.buf) > 0 {
		if err := w.dispatch(); err != nil {
			return err
		}
	}

	// A block leaving an input queue is only in progress; the output
	// queues drain once the sequencer has written it.
	for _, in := range w.inputs {
		in.Join()
	}
	for _, out := range w.outputs {
		out.Join()
	}

	if err := w.failure(); err != nil {
		return err
	}
	if f, ok := w.sink.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing sink: %w", err)
		}
	}
	return nil
}

// stop shuts the pipeline down and returns the sequencer's totals together
// with the first failure it saw.
func (w *Writer) stop() (streamSummary, error) {
	for _, in := range w.inputs {
		in.Close()
	}
	for _, out := range w.outputs {
		out.Close()
	}
	err := w.group.Wait()
	w.cancel()
	return <-w.summary, err
}

func (w *Writer) finish(summary streamSummary) error {
	end, err := w.codec.EndBlock(w.level)
	if err != nil {
		return fmt.Errorf("compressing end block: %w", err)
	}
	if _, err := w.sink.Write(end); err != nil {
		return fmt.Errorf("writing end block: %w", err)
	}

	trailer := format.NewTrailer(summary.crc, summary.size)
	if err := trailer.Write(w.sink); err != nil {
		return fmt.Errorf("writing gzip trailer: %w", err)
	}

	if f, ok := w.sink.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing sink: %w", err)
		}
	}
	return nil
}

func (w *Writer) fail(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) failure() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// runCompressionWorker compresses the blocks of worker id. Errors travel
// with the unit so the sequencer reports them at the right position.
func (w *Writer) runCompressionWorker(id int) error {
	in, out := w.inputs[id], w.outputs[id]
	for {
		job, err := in.Get(w.ctx)
		if err != nil {
			return nil
		}

		unit := compressedUnit{length: len(job.payload)}
		unit.data, unit.err = w.codec.CompressBlock(job.payload, job.dict, w.level)
		if unit.err == nil {
			unit.crc = w.codec.Checksum(job.payload)
		} else {
			w.log.Warn("block compression failed", "worker", id, "error", unit.err)
		}

		if err := out.Put(w.ctx, unit); err != nil {
			in.Done()
			return nil
		}
		in.Done()
	}
}

// runSequencer polls the output queues in dispatch order, writes each unit
// to the sink and folds its checksum into the stream totals. It is the only
// goroutine touching the sink and the totals while the pipeline runs. It
// returns the stream's first failure once the output queues are closed.
func (w *Writer) runSequencer() error {
	var summary streamSummary
	defer func() { w.summary <- summary }()

	for index := 0; ; index++ {
		out := w.outputs[index%len(w.outputs)]
		unit, err := out.Get(w.ctx)
		if err != nil {
			return w.failure()
		}

		// After a failure units are drained but not written, so Flush
		// still returns.
		if w.failure() == nil {
			switch {
			case unit.err != nil:
				w.fail(fmt.Errorf("compressing block %d: %w", index, unit.err))
			default:
				if _, err := w.sink.Write(unit.data); err != nil {
					w.fail(fmt.Errorf("writing block %d: %w", index, err))
					w.log.Warn("sink write failed", "block", index, "error", err)
					break
				}
				summary.crc = w.codec.Combine(summary.crc, unit.crc, int64(unit.length))
				summary.size += int64(unit.length)
				summary.blocks++
			}
		}
		out.Done()
	}
}
