package format

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_WriteRead(t *testing.T) {
	t.Parallel()

	header := NewHeader(false)

	var buf bytes.Buffer
	require.NoError(t, header.Write(&buf))
	require.Equal(t, HeaderSize, buf.Len())

	// Check magic bytes
	assert.Equal(t, []byte{0x1f, 0x8b, 0x08, 0x00}, buf.Bytes()[:4])
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes()[4:8])
	assert.Equal(t, OSUnknown, buf.Bytes()[9])

	readHeader, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, header, *readHeader)
}

func TestHeader_FastestXFL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fastest bool
		xfl     uint8
	}{
		{"default level", false, XFLNone},
		{"fastest level", true, XFLFastest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHeader(tt.fastest)
			var buf bytes.Buffer
			require.NoError(t, h.Write(&buf))
			assert.Equal(t, tt.xfl, buf.Bytes()[8])
		})
	}
}

func TestReadHeader_InvalidMagic(t *testing.T) {
	t.Parallel()

	_, err := ReadHeader(bytes.NewReader([]byte{'X', 'Y', 8, 0, 0, 0, 0, 0, 0, 0xff}))
	require.ErrorIs(t, err, ErrNotGzip)
	assert.Contains(t, err.Error(), "invalid magic")
}

func TestReadHeader_UnsupportedMethod(t *testing.T) {
	t.Parallel()

	_, err := ReadHeader(bytes.NewReader([]byte{0x1f, 0x8b, 7, 0, 0, 0, 0, 0, 0, 0xff}))
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestReadHeader_Truncated(t *testing.T) {
	t.Parallel()

	_, err := ReadHeader(bytes.NewReader([]byte{0x1f, 0x8b, 8}))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestReadHeader_StdlibMember(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	require.NoError(t, err)
	_, err = zw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	h, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, MethodDeflate, h.Method)
	assert.Equal(t, XFLFastest, h.XFL)

	trailer, err := ParseTrailer(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(len("payload")), trailer.Size)
}

func TestReadHeader_SkipsOptionalFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = "data.txt"
	zw.Comment = "written by a test"
	zw.Extra = []byte("extra field")
	_, err := zw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r := bytes.NewReader(buf.Bytes())
	h, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, FlagExtra|FlagName|FlagComment, h.Flags)

	// r is now positioned at the deflate data.
	got, err := io.ReadAll(flate.NewReader(r))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestReadHeader_SkipsHeaderCRC(t *testing.T) {
	t.Parallel()

	h := Header{Method: MethodDeflate, Flags: FlagName | FlagHCRC, OS: OSUnknown}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	buf.WriteString("name\x00")
	buf.Write([]byte{0xab, 0xcd})
	buf.WriteString("rest")

	r := bytes.NewReader(buf.Bytes())
	_, err := ReadHeader(r)
	require.NoError(t, err)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "rest", string(rest))
}

func TestReadHeader_TruncatedOptionalField(t *testing.T) {
	t.Parallel()

	h := Header{Method: MethodDeflate, Flags: FlagName, OS: OSUnknown}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	buf.WriteString("unterminated")

	_, err := ReadHeader(&buf)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTrailer_WriteRead(t *testing.T) {
	t.Parallel()

	trailer := NewTrailer(0xdeadbeef, 1<<32+5)
	assert.Equal(t, uint32(5), trailer.Size)

	var buf bytes.Buffer
	require.NoError(t, trailer.Write(&buf))
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde, 5, 0, 0, 0}, buf.Bytes())

	readTrailer, err := ReadTrailer(&buf)
	require.NoError(t, err)
	assert.Equal(t, trailer, *readTrailer)
}

func TestParseTrailer_TooShort(t *testing.T) {
	t.Parallel()

	_, err := ParseTrailer(make([]byte, HeaderSize+TrailerSize-1))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestHasMagic(t *testing.T) {
	t.Parallel()

	assert.True(t, HasMagic([]byte{0x1f, 0x8b, 0}))
	assert.False(t, HasMagic([]byte{0x1f}))
	assert.False(t, HasMagic([]byte("plain")))
}
