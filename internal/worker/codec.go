package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds a single framed message. A 33-point landmark result
// is well under 2 KiB; anything near this limit means the stream is corrupt.
const MaxMessageSize = 1 << 20

// ErrMessageTooLarge is returned when a length prefix exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("worker: message exceeds max size")

// WriteMessage encodes v as msgpack and writes it with a 4-byte big-endian
// length prefix.
func WriteMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v. It returns
// io.EOF only when the stream ends cleanly between messages.
func ReadMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return &DecodeError{Length: int(n), Err: err}
	}
	return nil
}

// DecodeError is a well-framed message whose payload could not be decoded.
// The stream is still aligned and reading may continue.
type DecodeError struct {
	Length int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to unmarshal msgpack message (%d bytes): %v", e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
