// Package format defines the gzip member framing written around the
// threaded deflate stream.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes identifying a gzip member.
var Magic = [2]byte{0x1f, 0x8b}

// Header and trailer field values.
const (
	MethodDeflate uint8 = 8

	XFLNone    uint8 = 0
	XFLFastest uint8 = 4

	OSUnknown uint8 = 0xff

	HeaderSize  = 10
	TrailerSize = 8
)

// Header flag bits (RFC 1952) announcing optional fields.
const (
	FlagHCRC    uint8 = 1 << 1
	FlagExtra   uint8 = 1 << 2
	FlagName    uint8 = 1 << 3
	FlagComment uint8 = 1 << 4
)

var (
	// ErrNotGzip is returned when input does not start with the gzip magic.
	ErrNotGzip = errors.New("invalid magic bytes: not in gzip format")
	// ErrUnsupportedMethod is returned for any compression method but deflate.
	ErrUnsupportedMethod = errors.New("unsupported compression method")
)

// Header is the fixed-size gzip member header. Optional fields are never
// written, so Flags is always zero on output.
type Header struct {
	Method uint8
	Flags  uint8
	MTime  uint32
	XFL    uint8 // Extra flags (4 = fastest compression)
	OS     uint8
}

// NewHeader returns the header written ahead of a threaded stream: no
// optional fields, zero mtime, unknown OS. fastest sets XFL to 4.
func NewHeader(fastest bool) Header {
	h := Header{Method: MethodDeflate, OS: OSUnknown}
	if fastest {
		h.XFL = XFLFastest
	}
	return h
}

// Write serializes the header to the writer.
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = Magic[0]
	buf[1] = Magic[1]
	buf[2] = h.Method
	buf[3] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:8], h.MTime)
	buf[8] = h.XFL
	buf[9] = h.OS
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and validates a gzip header. Optional fields announced
// by Flags are skipped, leaving r at the start of the deflate data.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return nil, ErrNotGzip
	}
	if buf[2] != MethodDeflate {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMethod, buf[2])
	}

	h := &Header{
		Method: buf[2],
		Flags:  buf[3],
		MTime:  binary.LittleEndian.Uint32(buf[4:8]),
		XFL:    buf[8],
		OS:     buf[9],
	}
	if err := skipOptionalFields(r, h.Flags); err != nil {
		return nil, fmt.Errorf("reading optional header fields: %w", err)
	}
	return h, nil
}

func skipOptionalFields(r io.Reader, flags uint8) error {
	if flags&FlagExtra != 0 {
		var xlen [2]byte
		if _, err := io.ReadFull(r, xlen[:]); err != nil {
			return noEOF(err)
		}
		if err := discard(r, int64(binary.LittleEndian.Uint16(xlen[:]))); err != nil {
			return err
		}
	}
	if flags&FlagName != 0 {
		if err := skipString(r); err != nil {
			return err
		}
	}
	if flags&FlagComment != 0 {
		if err := skipString(r); err != nil {
			return err
		}
	}
	if flags&FlagHCRC != 0 {
		return discard(r, 2)
	}
	return nil
}

// skipString consumes a zero-terminated string.
func skipString(r io.Reader) error {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return noEOF(err)
		}
		if b[0] == 0 {
			return nil
		}
	}
}

func discard(r io.Reader, n int64) error {
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return noEOF(err)
	}
	return nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// HasMagic reports whether p starts with the gzip magic bytes.
func HasMagic(p []byte) bool {
	return len(p) >= 2 && p[0] == Magic[0] && p[1] == Magic[1]
}

// Trailer closes a gzip member: CRC-32 of the uncompressed data and its
// length modulo 2^32.
type Trailer struct {
	CRC32 uint32
	Size  uint32
}

// NewTrailer builds a trailer from a running checksum and a byte count of
// any width.
func NewTrailer(crc uint32, size int64) Trailer {
	return Trailer{CRC32: crc, Size: uint32(size & 0xffffffff)} //nolint:gosec // truncation is the format
}

// Write serializes the trailer to the writer.
func (t *Trailer) Write(w io.Writer) error {
	var buf [TrailerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], t.CRC32)
	binary.LittleEndian.PutUint32(buf[4:8], t.Size)
	_, err := w.Write(buf[:])
	return err
}

// ReadTrailer reads a trailer from the reader.
func ReadTrailer(r io.Reader) (*Trailer, error) {
	var buf [TrailerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return &Trailer{
		CRC32: binary.LittleEndian.Uint32(buf[0:4]),
		Size:  binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ParseTrailer decodes the trailer occupying the last TrailerSize bytes of
// a complete member.
func ParseTrailer(member []byte) (*Trailer, error) {
	if len(member) < HeaderSize+TrailerSize {
		return nil, io.ErrUnexpectedEOF
	}
	tail := member[len(member)-TrailerSize:]
	return &Trailer{
		CRC32: binary.LittleEndian.Uint32(tail[0:4]),
		Size:  binary.LittleEndian.Uint32(tail[4:8]),
	}, nil
}
