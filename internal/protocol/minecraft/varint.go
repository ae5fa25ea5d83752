// Package minecraft implements the subset of the Minecraft Java Edition wire
// protocol needed to answer server list pings and reject logins. Field
// encoding comes from Ultraviolet's mc package; this package adds the size
// limits and error values an untrusted client connection needs.
package minecraft

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/realDragonium/Ultraviolet/mc"
)

// MaxVarIntLen is the maximum encoded size of a 32-bit VarInt.
const MaxVarIntLen = 5

var (
	// ErrMalformed is returned for any input that does not decode as a valid packet.
	ErrMalformed = errors.New("malformed packet")
	// ErrVarIntTooLong is returned when a VarInt runs past five bytes.
	ErrVarIntTooLong = fmt.Errorf("%w: varint too long", ErrMalformed)
	// ErrTruncated is returned when the buffer ends inside a field.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrMalformed)
)

// DecodeVarInt decodes a VarInt from the start of b and returns the value and
// the number of bytes consumed.
func DecodeVarInt(b []byte) (int32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	r := bytes.NewReader(b)
	var v mc.VarInt
	if err := v.Decode(r); err != nil {
		return 0, 0, varIntError(err)
	}
	n := len(b) - r.Len()
	if n > MaxVarIntLen {
		return 0, 0, ErrVarIntTooLong
	}
	return int32(v), n, nil
}

// ReadVarInt reads a VarInt from r. An EOF before the first byte is returned
// unchanged so callers can tell a closed connection from a cut-off field.
func ReadVarInt(r *bufio.Reader) (int32, error) {
	if _, err := r.Peek(1); err != nil {
		return 0, err
	}
	src := &sourceReader{Reader: r}
	var v mc.VarInt
	if err := v.Decode(src); err != nil {
		if src.err != nil && !errors.Is(src.err, io.EOF) {
			return 0, src.err
		}
		return 0, varIntError(err)
	}
	return int32(v), nil
}

// sourceReader remembers the last error of the underlying reader so a
// network failure is not reported as a malformed field.
type sourceReader struct {
	*bufio.Reader
	err error
}

func (s *sourceReader) ReadByte() (byte, error) {
	c, err := s.Reader.ReadByte()
	if err != nil {
		s.err = err
	}
	return c, err
}

func varIntError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return fmt.Errorf("%w: %w", ErrVarIntTooLong, err)
}

// AppendVarInt appends the VarInt encoding of v to b. Negative values use the
// full five bytes, as the protocol does.
func AppendVarInt(b []byte, v int32) []byte {
	return append(b, mc.VarInt(v).Encode()...)
}

// VarIntLen returns the encoded size of v.
func VarIntLen(v int32) int {
	return len(mc.VarInt(v).Encode())
}
