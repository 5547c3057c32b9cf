package samples

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire frame for streamed blocks, all fields little endian:
//
//	0  magic "IQ"
//	2  version
//	3  reserved
//	4  sequence number (uint64)
//	12 timestamp, unix nanoseconds (int64)
//	20 I/Q pair count (uint32)
//	24 interleaved int16 samples
const (
	FrameHeaderSize = 24
	frameVersion    = 1
)

var errShortFrame = errors.New("frame shorter than header")

// Frame is a decoded stream frame
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Data      []int16
}

// Pairs returns the number of I/Q pairs in the frame
func (f Frame) Pairs() int {
	return len(f.Data) / 2
}

// EncodeFrame serializes a block for streaming
func EncodeFrame(b *Block) []byte {
	buf := make([]byte, FrameHeaderSize+2*len(b.Data))
	buf[0], buf[1] = 'I', 'Q'
	buf[2] = frameVersion
	binary.LittleEndian.PutUint64(buf[4:], b.Seq)
	binary.LittleEndian.PutUint64(buf[12:], uint64(b.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(buf[20:], uint32(b.Pairs()))

	off := FrameHeaderSize
	for _, v := range b.Data {
		binary.LittleEndian.PutUint16(buf[off:], uint16(v))
		off += 2
	}
	return buf
}

// DecodeFrame parses a frame produced by EncodeFrame
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, errShortFrame
	}
	if data[0] != 'I' || data[1] != 'Q' {
		return Frame{}, fmt.Errorf("bad frame magic %q", data[:2])
	}
	if data[2] != frameVersion {
		return Frame{}, fmt.Errorf("unsupported frame version %d", data[2])
	}

	pairs := int(binary.LittleEndian.Uint32(data[20:]))
	if want := FrameHeaderSize + 4*pairs; len(data) != want {
		return Frame{}, fmt.Errorf("frame length %d, want %d for %d pairs", len(data), want, pairs)
	}

	f := Frame{
		Seq:       binary.LittleEndian.Uint64(data[4:]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[12:]))),
		Data:      make([]int16, 2*pairs),
	}
	off := FrameHeaderSize
	for i := range f.Data {
		f.Data[i] = int16(binary.LittleEndian.Uint16(data[off:]))
		off += 2
	}
	return f, nil
}
