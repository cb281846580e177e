// threadgz compresses and decompresses gzip streams using several cores.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vertti/threadgz/internal/codec"
	"github.com/vertti/threadgz/internal/compress"
	"github.com/vertti/threadgz/internal/format"
)

var version = "dev"

const (
	exitSuccess = 0
	exitError   = 1
)

// envPrefix lets every long flag be set as THREADGZ_<FLAG>, e.g.
// THREADGZ_THREADS=4 or THREADGZ_BLOCK_SIZE=262144.
const envPrefix = "THREADGZ"

type config struct {
	decompress bool
	inputFile  string
	outputFile string
	toStdout   bool
	level      int
	workers    int
	blockSize  int
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, done, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	if done {
		return exitSuccess
	}

	logger := newLogger(cfg.verbose)

	input, closeInput, err := openInput(cfg.inputFile, cfg.decompress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
	defer closeInput()

	output, closeOutput, err := openOutput(outputPath(cfg), cfg.toStdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	err = execute(cfg, input, output, logger)
	if cerr := closeOutput(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}

	return exitSuccess
}

func newFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("threadgz", pflag.ContinueOnError)
	flagSet.BoolP("decompress", "d", false, "decompress mode")
	flagSet.StringP("input", "i", "", "input file (default: stdin)")
	flagSet.StringP("output", "o", "", "output file (default: <input>.gz, <input> without .gz, or stdout)")
	flagSet.BoolP("stdout", "c", false, "write to stdout")
	flagSet.IntP("level", "l", codec.DefaultCompression, "compression level (-2 huffman only, 1 fastest .. 9 best)")
	flagSet.IntP("threads", "p", 0, "compression workers (default: NumCPU)")
	flagSet.IntP("block-size", "b", compress.DefaultBlockSize, "uncompressed bytes per block")
	flagSet.BoolP("verbose", "v", false, "log progress and a summary to stderr")
	flagSet.Bool("version", false, "show version and exit")
	flagSet.Usage = func() { usage(flagSet) }
	return flagSet
}

func parseFlags(args []string) (config, bool, error) {
	var cfg config
	flagSet := newFlagSet()

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cfg, true, nil
		}
		return cfg, false, err
	}

	if showVersion, _ := flagSet.GetBool("version"); showVersion {
		fmt.Printf("threadgz version %s\n", version)
		return cfg, true, nil
	}

	// Explicit flags win over THREADGZ_* variables, which win over defaults.
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flagSet); err != nil {
		return cfg, false, fmt.Errorf("binding flags: %w", err)
	}

	cfg.decompress = v.GetBool("decompress")
	cfg.inputFile = v.GetString("input")
	cfg.outputFile = v.GetString("output")
	cfg.toStdout = v.GetBool("stdout")
	cfg.level = v.GetInt("level")
	cfg.workers = v.GetInt("threads")
	cfg.blockSize = v.GetInt("block-size")
	cfg.verbose = v.GetBool("verbose")

	// Handle positional arguments
	positional := flagSet.Args()
	if len(positional) > 0 && cfg.inputFile == "" {
		cfg.inputFile = positional[0]
	}
	if len(positional) > 1 && cfg.outputFile == "" {
		cfg.outputFile = positional[1]
	}

	// 0 is a valid flate level (stored) but the library reads it as the
	// default, so the CLI does not accept it.
	if cfg.level == 0 || !codec.ValidLevel(cfg.level) {
		return cfg, false, fmt.Errorf("invalid compression level %d", cfg.level)
	}
	if cfg.workers < 0 {
		return cfg, false, fmt.Errorf("invalid thread count %d", cfg.workers)
	}
	if cfg.blockSize <= 0 {
		return cfg, false, fmt.Errorf("invalid block size %d", cfg.blockSize)
	}

	return cfg, false, nil
}

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `threadgz - Parallel gzip compression

Usage:
  threadgz [options] [-i input] [-o output.gz]   Compress
  threadgz -d [-i input.gz] [-o output]          Decompress

Options:
`)
	flagSet.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Every option can also be set through the environment, e.g. %[1]s_THREADS=4.

Examples:
  threadgz big.log                      Compress to big.log.gz
  threadgz -p 8 -l 1 -i big.log -c > big.log.gz
  threadgz -d big.log.gz                Decompress to big.log
  cat big.log | threadgz > big.log.gz   Compress from stdin
`, envPrefix)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// outputPath picks the output file when -o is not given: a named input is
// compressed next to itself, stdin goes to stdout.
func outputPath(cfg config) string {
	if cfg.outputFile != "" || cfg.toStdout {
		return cfg.outputFile
	}
	if cfg.inputFile == "" || cfg.inputFile == "-" {
		return ""
	}
	if !cfg.decompress {
		return cfg.inputFile + ".gz"
	}
	if trimmed, ok := strings.CutSuffix(cfg.inputFile, ".gz"); ok && trimmed != "" {
		return trimmed
	}
	return ""
}

func openInput(path string, decompress bool) (io.Reader, func(), error) {
	var in io.Reader = os.Stdin
	closeInput := func() {}
	if path != "" && path != "-" {
		f, err := os.Open(path) //nolint:gosec // CLI tool needs to open user-specified files
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open input: %w", err)
		}
		in = f
		closeInput = func() { _ = f.Close() }
	}

	br := bufio.NewReaderSize(in, 1<<20)
	if !decompress {
		return br, closeInput, nil
	}

	isGzip, err := inputHasGzipMagic(br)
	if err != nil {
		closeInput()
		return nil, nil, fmt.Errorf("cannot inspect input: %w", err)
	}
	if !isGzip {
		closeInput()
		return nil, nil, format.ErrNotGzip
	}
	return br, closeInput, nil
}

func inputHasGzipMagic(br *bufio.Reader) (bool, error) {
	header, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return format.HasMagic(header), nil
}

func openOutput(path string, toStdout bool) (io.Writer, func() error, error) {
	if path == "" || path == "-" || toStdout {
		bw := bufio.NewWriterSize(os.Stdout, 1<<20)
		return bw, bw.Flush, nil
	}

	f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	return bw, func() error {
		if err := bw.Flush(); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing output: %w", err)
		}
		return f.Close()
	}, nil
}

// countingReader and countingWriter feed the -v summary.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func execute(cfg config, input io.Reader, output io.Writer, logger *slog.Logger) error {
	in := &countingReader{r: input}
	out := &countingWriter{w: output}

	if cfg.decompress {
		opts := &compress.DecompressOptions{
			Logger: logger,
		}
		if err := compress.Decompress(in, out, opts); err != nil {
			return err
		}
		logSummary(logger, "decompressed", in.n, out.n)
		return nil
	}

	opts := &compress.Options{
		Level:     cfg.level,
		Workers:   cfg.workers,
		BlockSize: cfg.blockSize,
		Logger:    logger,
	}
	if err := compress.Compress(in, out, opts); err != nil {
		return err
	}
	logSummary(logger, "compressed", out.n, in.n)
	return nil
}

func logSummary(logger *slog.Logger, action string, compressed, uncompressed int64) {
	ratio := 0.0
	if compressed > 0 {
		ratio = float64(uncompressed) / float64(compressed)
	}
	logger.Info(action,
		"compressed", humanize.Bytes(uint64(compressed)),     //nolint:gosec // byte counts are non-negative
		"uncompressed", humanize.Bytes(uint64(uncompressed)), //nolint:gosec // byte counts are non-negative
		"ratio", fmt.Sprintf("%.2fx", ratio))
}
