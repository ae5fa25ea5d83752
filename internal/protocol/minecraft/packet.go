package minecraft

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/realDragonium/Ultraviolet/mc"
)

// MaxPacketLength caps the declared length of inbound packets. Everything a
// client sends before login fits well below it.
const MaxPacketLength = 1 << 15

// ErrPacketTooLarge is returned when a packet declares a length above MaxPacketLength.
var ErrPacketTooLarge = fmt.Errorf("%w: packet too large", ErrMalformed)

// Packet is one length-prefixed protocol frame without compression.
type Packet mc.Packet

// ReadPacket reads one frame from r.
func ReadPacket(r *bufio.Reader) (Packet, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, err
	}
	if err := checkLength(length); err != nil {
		return Packet{}, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, ErrTruncated
		}
		return Packet{}, err
	}
	return decodeBody(body)
}

// DecodePacket decodes the first frame in b and returns it together with the
// number of bytes it occupied.
func DecodePacket(b []byte) (Packet, int, error) {
	length, n, err := DecodeVarInt(b)
	if err != nil {
		return Packet{}, 0, err
	}
	if err := checkLength(length); err != nil {
		return Packet{}, 0, err
	}
	if int(length) > len(b)-n {
		return Packet{}, 0, fmt.Errorf("%w: length %d exceeds buffer of %d bytes", ErrTruncated, length, len(b)-n)
	}

	p, err := decodeBody(b[n : n+int(length)])
	if err != nil {
		return Packet{}, 0, err
	}
	return p, n + int(length), nil
}

// Marshal encodes the packet with its length prefix.
func (p Packet) Marshal() []byte {
	pk := mc.Packet(p)
	return pk.Marshal()
}

func checkLength(length int32) error {
	if length <= 0 {
		return fmt.Errorf("%w: invalid length %d", ErrMalformed, length)
	}
	if length > MaxPacketLength {
		return ErrPacketTooLarge
	}
	return nil
}

// decodeBody splits a frame body into its ID and data. Every ID used before
// the play state fits in one byte.
func decodeBody(body []byte) (Packet, error) {
	id, n, err := DecodeVarInt(body)
	if err != nil {
		return Packet{}, err
	}
	if id < 0 || id > 0x7f {
		return Packet{}, fmt.Errorf("%w: packet id %d", ErrMalformed, id)
	}
	return Packet{ID: byte(id), Data: body[n:]}, nil
}

// fields reads typed values from packet data. Each read checks the remaining
// length before handing the bytes to the mc decoder.
type fields struct {
	b   []byte
	off int
}

func (f *fields) rest() *bytes.Reader {
	return bytes.NewReader(f.b[f.off:])
}

func (f *fields) advance(r *bytes.Reader) {
	f.off = len(f.b) - r.Len()
}

func (f *fields) readVarInt() (int32, error) {
	v, n, err := DecodeVarInt(f.b[f.off:])
	if err != nil {
		return 0, err
	}
	f.off += n
	return v, nil
}

func (f *fields) readString(maxRunes int) (string, error) {
	length, n, err := DecodeVarInt(f.b[f.off:])
	if err != nil {
		return "", err
	}
	if length < 0 || int(length) > maxRunes*4 {
		return "", fmt.Errorf("%w: string length %d", ErrMalformed, length)
	}
	if int(length) > len(f.b)-f.off-n {
		return "", ErrTruncated
	}

	r := f.rest()
	var s mc.String
	if err := s.Decode(r); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !utf8.ValidString(string(s)) || utf8.RuneCountInString(string(s)) > maxRunes {
		return "", fmt.Errorf("%w: invalid string", ErrMalformed)
	}
	f.advance(r)
	return string(s), nil
}

func (f *fields) readUint16() (uint16, error) {
	if len(f.b)-f.off < 2 {
		return 0, ErrTruncated
	}
	r := f.rest()
	var v mc.UnsignedShort
	if err := v.Decode(r); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	f.advance(r)
	return uint16(v), nil
}

func (f *fields) readInt64() (int64, error) {
	if len(f.b)-f.off < 8 {
		return 0, ErrTruncated
	}
	r := f.rest()
	var v mc.Long
	if err := v.Decode(r); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	f.advance(r)
	return int64(v), nil
}
