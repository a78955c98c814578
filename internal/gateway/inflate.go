package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compression is the transport compression mode of a connection.
type Compression string

const (
	CompressionNone       Compression = ""
	CompressionZlibStream Compression = "zlib-stream"
)

// zlibSuffix ends every complete zlib-stream payload (a deflate sync flush).
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// windowSize is the deflate back-reference window.
const windowSize = 32 << 10

// Inflater decompresses a zlib-stream: one deflate stream shared by every
// payload of a connection. Chunks are buffered until the sync flush suffix
// arrives.
type Inflater struct {
	pending []byte
	history []byte
	header  bool
	reader  io.ReadCloser
}

// NewInflater creates the decompression context for one connection.
func NewInflater() *Inflater {
	return &Inflater{}
}

// Write adds a chunk. It returns the decompressed payload once the chunk
// completes one, or nil and false while more chunks are needed.
func (z *Inflater) Write(chunk []byte) ([]byte, bool, error) {
	z.pending = append(z.pending, chunk...)
	if !bytes.HasSuffix(z.pending, zlibSuffix) {
		return nil, false, nil
	}

	compressed := z.pending
	z.pending = nil

	if !z.header {
		if len(compressed) < 2 {
			return nil, false, &ProtocolError{Reason: "zlib stream header truncated"}
		}
		cmf, flg := compressed[0], compressed[1]
		if cmf&0x0f != 8 || (uint16(cmf)<<8|uint16(flg))%31 != 0 || flg&0x20 != 0 {
			return nil, false, &ProtocolError{Reason: "invalid zlib stream header"}
		}
		compressed = compressed[2:]
		z.header = true
	}

	// The previous payload ended on a sync flush, so the stream sits on a
	// block boundary and the window is the only carried state.
	src := bytes.NewReader(compressed)
	if z.reader == nil {
		z.reader = flate.NewReaderDict(src, z.history)
	} else if err := z.reader.(flate.Resetter).Reset(src, z.history); err != nil {
		return nil, false, &ProtocolError{Reason: "reset inflater", Err: err}
	}

	out, err := io.ReadAll(z.reader)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, &ProtocolError{Reason: "inflate payload", Err: err}
	}
	if len(out) == 0 {
		return nil, false, &ProtocolError{Reason: fmt.Sprintf("empty payload from %d compressed bytes", len(compressed))}
	}

	z.history = append(z.history, out...)
	if len(z.history) > windowSize {
		z.history = append([]byte(nil), z.history[len(z.history)-windowSize:]...)
	}
	return out, true, nil
}

// Buffered reports how many compressed bytes await a sync flush.
func (z *Inflater) Buffered() int {
	return len(z.pending)
}
