package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Envelope is the single tagged frame that carries every control message
// (spec.md §4.4). RequestID correlates a request with its response; Kind
// selects how Payload is interpreted. Unknown kinds are preserved
// byte-for-byte so a relay can forward what it cannot understand.
type Envelope struct {
	RequestID uint64
	Kind      Kind
	Payload   []byte
}

// maxPayloadSize bounds a single envelope to guard against a malformed
// length field forcing an unbounded allocation.
const maxPayloadSize = 16 << 20 // 16 MiB

// Encode serializes an envelope to its wire form:
//
//	request_id (8 bytes, big-endian) || kind (1 byte) || payload (rest)
//
// This is the envelope itself, not the length-delimited stream frame (see
// WriteFrame/ReadFrame for that).
func Encode(e Envelope) []byte {
	buf := make([]byte, 9+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:8], e.RequestID)
	buf[8] = byte(e.Kind)
	copy(buf[9:], e.Payload)
	return buf
}

// Decode parses an envelope from its wire form. Unknown kinds decode
// successfully with their payload preserved verbatim; only a truncated
// header is a codec error.
func Decode(data []byte) (Envelope, error) {
	if len(data) < 9 {
		return Envelope{}, ErrMalformed
	}
	e := Envelope{
		RequestID: binary.BigEndian.Uint64(data[0:8]),
		Kind:      Kind(data[8]),
	}
	if len(data) > 9 {
		e.Payload = append([]byte(nil), data[9:]...)
	}
	return e, nil
}

// WriteFrame writes a length-delimited envelope to w: a 4-byte big-endian
// length prefix followed by Encode(e). This is the "length-delimited
// frames on the reliable control stream" wire format from spec.md §6.
func WriteFrame(w io.Writer, e Envelope) error {
	body := Encode(e)
	if len(body) > maxPayloadSize {
		return fmt.Errorf("%w: frame too large (%d bytes)", ErrMalformed, len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-delimited envelope from r.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxPayloadSize {
		return Envelope{}, fmt.Errorf("%w: frame too large (%d bytes)", ErrMalformed, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	return Decode(body)
}
