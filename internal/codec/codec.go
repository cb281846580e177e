// Package codec defines the block codec used by the threaded gzip pipeline
// and provides its deflate implementation.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// WindowSize is the deflate history window. Dictionaries longer than this
// are never useful.
const WindowSize = 32 << 10

// Compression levels accepted by Deflate.
const (
	HuffmanOnly        = flate.HuffmanOnly
	DefaultCompression = flate.DefaultCompression
	BestSpeed          = flate.BestSpeed
	BestCompression    = flate.BestCompression
)

// Codec compresses independent blocks that concatenate into one stream, and
// opens streaming readers over such streams.
type Codec interface {
	// CompressBlock compresses payload, seeded with dict, and terminates the
	// output with a sync flush so blocks can be concatenated.
	CompressBlock(payload, dict []byte, level int) ([]byte, error)
	// EndBlock returns the final, empty block that terminates the stream.
	EndBlock(level int) ([]byte, error)
	// Checksum returns the checksum of payload.
	Checksum(payload []byte) uint32
	// Combine folds crc2, the checksum of a block of len2 bytes, onto crc1.
	Combine(crc1, crc2 uint32, len2 int64) uint32
	// NewReader returns a decompressing reader over a complete gzip stream.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Deflate is the default Codec, backed by klauspost/compress.
type Deflate struct{}

var _ Codec = Deflate{}

// blockBufferPool holds scratch buffers for block output.
var blockBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// CompressBlock implements Codec.
func (Deflate) CompressBlock(payload, dict []byte, level int) ([]byte, error) {
	if len(dict) > WindowSize {
		dict = dict[len(dict)-WindowSize:]
	}

	buf := blockBufferPool.Get().(*bytes.Buffer) //nolint:errcheck // pool always returns *bytes.Buffer
	buf.Reset()
	defer blockBufferPool.Put(buf)

	fw, err := flate.NewWriterDict(buf, level, dict)
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, fmt.Errorf("deflating block: %w", err)
	}
	if err := fw.Flush(); err != nil {
		return nil, fmt.Errorf("flushing block: %w", err)
	}

	// Copy output so the pooled buffer can be reused
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// EndBlock implements Codec.
func (Deflate) EndBlock(level int) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("writing end block: %w", err)
	}
	return buf.Bytes(), nil
}

// Checksum implements Codec.
func (Deflate) Checksum(payload []byte) uint32 {
	return Checksum(payload)
}

// Combine implements Codec.
func (Deflate) Combine(crc1, crc2 uint32, len2 int64) uint32 {
	return CombineCRC32(crc1, crc2, len2)
}

// NewReader implements Codec. Concatenated gzip members are read as one
// stream and every member trailer is verified.
func (Deflate) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return zr, nil
}

// ValidLevel reports whether level is accepted by Deflate.
func ValidLevel(level int) bool {
	return level == HuffmanOnly || level == DefaultCompression ||
		(level >= flate.NoCompression && level <= BestCompression)
}
