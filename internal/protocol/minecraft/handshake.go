package minecraft

import (
	"fmt"

	"github.com/realDragonium/Ultraviolet/mc"
)

// Packet IDs used before the play state.
const (
	HandshakeID       byte = 0x00
	StatusRequestID   byte = 0x00
	StatusResponseID  byte = 0x00
	PingID            byte = 0x01
	PongID            byte = 0x01
	LoginStartID      byte = 0x00
	LoginDisconnectID byte = 0x00
)

// Intent is the next_state field of a handshake.
type Intent int32

// Handshake intents.
const (
	IntentStatus   Intent = 1
	IntentLogin    Intent = 2
	IntentTransfer Intent = 3
)

func (i Intent) String() string {
	switch i {
	case IntentStatus:
		return "status"
	case IntentLogin:
		return "login"
	case IntentTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%d)", int32(i))
	}
}

// Handshake is the first packet every client sends.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	Intent          Intent
}

// IsLogin reports whether the client wants to join. Transfers from another
// server are logins as far as waking is concerned.
func (h Handshake) IsLogin() bool {
	return h.Intent == IntentLogin || h.Intent == IntentTransfer
}

// ParseHandshake decodes a handshake packet.
func ParseHandshake(p Packet) (Handshake, error) {
	if p.ID != HandshakeID {
		return Handshake{}, fmt.Errorf("%w: expected handshake, got packet 0x%02x", ErrMalformed, p.ID)
	}

	f := fields{b: p.Data}
	var h Handshake
	var err error
	if h.ProtocolVersion, err = f.readVarInt(); err != nil {
		return Handshake{}, err
	}
	if h.ServerAddress, err = f.readString(255); err != nil {
		return Handshake{}, err
	}
	if h.ServerPort, err = f.readUint16(); err != nil {
		return Handshake{}, err
	}
	intent, err := f.readVarInt()
	if err != nil {
		return Handshake{}, err
	}
	h.Intent = Intent(intent)

	switch h.Intent {
	case IntentStatus, IntentLogin, IntentTransfer:
		return h, nil
	default:
		return Handshake{}, fmt.Errorf("%w: unknown intent %d", ErrMalformed, intent)
	}
}

// Marshal encodes the handshake as a framed packet.
func (h Handshake) Marshal() []byte {
	hs := mc.ServerBoundHandshake{
		ProtocolVersion: mc.VarInt(h.ProtocolVersion),
		ServerAddress:   mc.String(h.ServerAddress),
		ServerPort:      mc.UnsignedShort(h.ServerPort),
		NextState:       mc.VarInt(h.Intent),
	}
	pk := hs.Marshal()
	return pk.Marshal()
}

func appendString(b []byte, s string) []byte {
	return append(b, mc.String(s).Encode()...)
}

// ParseLoginStart returns the player name from a Login Start packet. Fields
// after the name differ between protocol versions and are ignored.
func ParseLoginStart(p Packet) (string, error) {
	if p.ID != LoginStartID {
		return "", fmt.Errorf("%w: expected login start, got packet 0x%02x", ErrMalformed, p.ID)
	}
	f := fields{b: p.Data}
	return f.readString(16)
}

// ParsePing returns the payload of a status ping.
func ParsePing(p Packet) (int64, error) {
	if p.ID != PingID {
		return 0, fmt.Errorf("%w: expected ping, got packet 0x%02x", ErrMalformed, p.ID)
	}
	f := fields{b: p.Data}
	return f.readInt64()
}
