package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vertti/threadgz/internal/codec"
	"github.com/vertti/threadgz/internal/format"
)

// slowCodec delays every block by a random duration up to maxDelay, so
// workers finish out of order.
type slowCodec struct {
	codec.Deflate

	mu       sync.Mutex
	rng      *rand.Rand
	maxDelay time.Duration
	calls    atomic.Int64
}

func newSlowCodec(seed int64, maxDelay time.Duration) *slowCodec {
	return &slowCodec{rng: rand.New(rand.NewSource(seed)), maxDelay: maxDelay}
}

func (c *slowCodec) CompressBlock(payload, dict []byte, level int) ([]byte, error) {
	c.calls.Add(1)
	c.mu.Lock()
	delay := time.Duration(c.rng.Int63n(int64(c.maxDelay) + 1))
	c.mu.Unlock()
	time.Sleep(delay)
	return c.Deflate.CompressBlock(payload, dict, level)
}

// failingCodec fails every block from the failAt-th call on (1-based).
type failingCodec struct {
	codec.Deflate

	failAt int64
	calls  atomic.Int64
}

var errInjected = errors.New("injected codec failure")

func (c *failingCodec) CompressBlock(payload, dict []byte, level int) ([]byte, error) {
	if c.calls.Add(1) >= c.failAt {
		return nil, errInjected
	}
	return c.Deflate.CompressBlock(payload, dict, level)
}

// dictCodec stores blocks verbatim together with the dictionary they were
// given. Its reader only accepts a block whose dictionary is exactly the
// trailing window of the block before it.
//
// Block layout: u32 dict length, u32 payload length, dict, payload.
// The end block is a single u32 0xffffffff.
type dictCodec struct {
	codec.Deflate
}

const dictEndMarker = 0xffffffff

func (dictCodec) CompressBlock(payload, dict []byte, _ int) ([]byte, error) {
	out := make([]byte, 8, 8+len(dict)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(dict)))    //nolint:gosec // test sizes
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload))) //nolint:gosec // test sizes
	out = append(out, dict...)
	return append(out, payload...), nil
}

func (dictCodec) EndBlock(int) ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, dictEndMarker), nil
}

func (dictCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	if _, err := format.ReadHeader(r); err != nil {
		return nil, err
	}

	var out, prev []byte
	for index := 0; ; index++ {
		var lens [4]byte
		if _, err := io.ReadFull(r, lens[:]); err != nil {
			return nil, fmt.Errorf("block %d: %w", index, err)
		}
		dictLen := binary.LittleEndian.Uint32(lens[:])
		if dictLen == dictEndMarker {
			break
		}
		if _, err := io.ReadFull(r, lens[:]); err != nil {
			return nil, fmt.Errorf("block %d: %w", index, err)
		}
		payloadLen := binary.LittleEndian.Uint32(lens[:])

		body := make([]byte, int(dictLen)+int(payloadLen))
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("block %d: %w", index, err)
		}
		dict, payload := body[:dictLen], body[dictLen:]

		want := prev
		if len(want) > codec.WindowSize {
			want = want[len(want)-codec.WindowSize:]
		}
		if !bytes.Equal(dict, want) {
			return nil, fmt.Errorf("block %d: dictionary mismatch (got %d bytes, want %d)", index, len(dict), len(want))
		}

		out = append(out, payload...)
		prev = payload
	}

	trailer, err := format.ReadTrailer(r)
	if err != nil {
		return nil, err
	}
	if trailer.CRC32 != codec.Checksum(out) {
		return nil, errors.New("checksum mismatch")
	}
	if trailer.Size != uint32(len(out)) { //nolint:gosec // test sizes
		return nil, errors.New("size mismatch")
	}
	return io.NopCloser(bytes.NewReader(out)), nil
}

// recordingSink keeps every Write call separately and can fail after a
// number of writes.
type recordingSink struct {
	mu       sync.Mutex
	writes   [][]byte
	failFrom int // 0 = never fail
	flushes  int
	closed   int
}

var errSink = errors.New("injected sink failure")

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFrom > 0 && len(s.writes)+1 >= s.failFrom {
		return 0, errSink
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *recordingSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.writes, nil)
}

func (s *recordingSink) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// testData returns n pseudo-random but compressible bytes.
func testData(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	words := []string{"alpha ", "beta ", "gamma ", "delta ", "epsilon ", "zeta ", "\n"}
	buf := bytes.NewBuffer(make([]byte, 0, n+16))
	for buf.Len() < n {
		buf.WriteString(words[rng.Intn(len(words))])
		if rng.Intn(16) == 0 {
			fmt.Fprintf(buf, "%08x", rng.Uint32())
		}
	}
	return buf.Bytes()[:n]
}
