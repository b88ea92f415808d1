package protocol

import (
	"bytes"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Encode returns the frame body of m.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, uint32(m.Type())); err != nil {
		return nil, fmt.Errorf("encode %s type: %w", m.Type(), err)
	}
	if _, err := xdr.Marshal(&buf, m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses a frame body.
func Decode(body []byte) (Message, error) {
	r := bytes.NewReader(body)

	var t uint32
	if _, err := xdr.Unmarshal(r, &t); err != nil {
		return nil, fmt.Errorf("decode message type: %w", err)
	}
	m, err := newMessage(MessageType(t))
	if err != nil {
		return nil, err
	}
	if _, err := xdr.Unmarshal(r, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("decode %s: %d trailing bytes", m.Type(), r.Len())
	}
	return m, nil
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
