package compress

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/vertti/threadgz/internal/codec"
)

// Defaults for the write path.
const (
	DefaultBlockSize = 1 << 20 // Bytes per compressed block
	DefaultQueueSize = 2       // Blocks buffered per worker queue
)

// Defaults for the read path.
const (
	DefaultChunkSize     = 8 << 20 // Decompressed bytes per prefetched chunk
	DefaultReadQueueSize = 4       // Chunks buffered ahead of the reader
)

// Options configures compression behavior.
type Options struct {
	Level     int         // Deflate level (0 selects codec.DefaultCompression)
	Workers   int         // Number of parallel compression workers (default: NumCPU)
	BlockSize int         // Uncompressed bytes per block (default: 1 MiB)
	QueueSize int         // Per-worker input/output queue depth (default: 2)
	Codec     codec.Codec // Block codec (default: codec.Deflate)
	Logger    *slog.Logger
}

// DecompressOptions configures decompression behavior.
type DecompressOptions struct {
	ChunkSize int         // Decompressed bytes per prefetched chunk (default: 8 MiB)
	QueueSize int         // Prefetched chunks buffered ahead of Read (default: 4)
	Codec     codec.Codec // Stream decoder (default: codec.Deflate)
	Logger    *slog.Logger
}

func (o *Options) withDefaults() (Options, error) {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Level == 0 {
		out.Level = codec.DefaultCompression
	}
	if out.Workers == 0 {
		out.Workers = runtime.NumCPU()
	}
	if out.Workers < 0 {
		return out, fmt.Errorf("invalid worker count %d", out.Workers)
	}
	if out.BlockSize == 0 {
		out.BlockSize = DefaultBlockSize
	}
	if out.BlockSize < 0 {
		return out, fmt.Errorf("invalid block size %d", out.BlockSize)
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.Codec == nil {
		out.Codec = codec.Deflate{}
		if !codec.ValidLevel(out.Level) {
			return out, fmt.Errorf("invalid compression level %d", out.Level)
		}
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out, nil
}

func (o *DecompressOptions) withDefaults() DecompressOptions {
	var out DecompressOptions
	if o != nil {
		out = *o
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultReadQueueSize
	}
	if out.Codec == nil {
		out.Codec = codec.Deflate{}
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}
