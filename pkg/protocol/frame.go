package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/downstairs/internal/bytesize"
	"github.com/marmos91/downstairs/pkg/bufpool"
)

// MaxFrameSize bounds the reassembled size of one message. It leaves room
// for a 32MiB write plus its header.
const MaxFrameSize = 64 * bytesize.MiB

const (
	lastFragment   = 0x80000000
	fragmentLength = 0x7FFFFFFF
)

// FragmentHeader is a parsed record-marking header:
//   - Bit 31: last fragment of the message
//   - Bits 0-30: fragment length in bytes
type FragmentHeader struct {
	IsLast bool
	Length uint32
}

// ReadFragmentHeader reads a 4-byte fragment header. io.EOF is returned
// unwrapped so callers can detect a clean disconnect.
func ReadFragmentHeader(r io.Reader) (FragmentHeader, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FragmentHeader{}, err
	}
	v := binary.BigEndian.Uint32(buf[:])
	return FragmentHeader{IsLast: v&lastFragment != 0, Length: v & fragmentLength}, nil
}

// ReadFrame reads fragments until the last one and returns the reassembled
// message body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var body []byte
	for first := true; ; first = false {
		h, err := ReadFragmentHeader(r)
		if err != nil {
			if !first && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if uint64(len(body))+uint64(h.Length) > uint64(MaxFrameSize) {
			return nil, fmt.Errorf("frame too large: %s exceeds %s",
				bytesize.ByteSize(uint64(len(body))+uint64(h.Length)), MaxFrameSize)
		}

		n := len(body)
		body = append(body, make([]byte, h.Length)...)
		if _, err := io.ReadFull(r, body[n:]); err != nil {
			return nil, fmt.Errorf("read fragment: %w", err)
		}
		if h.IsLast {
			return body, nil
		}
	}
}

// WriteFrame writes body as a single last fragment.
func WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > uint64(MaxFrameSize) {
		return fmt.Errorf("frame too large: %s exceeds %s", bytesize.ByteSize(len(body)), MaxFrameSize)
	}
	buf := bufpool.Get(4 + len(body))
	defer bufpool.Put(buf)
	binary.BigEndian.PutUint32(buf[:4], lastFragment|uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}
