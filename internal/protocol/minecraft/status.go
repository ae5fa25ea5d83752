package minecraft

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/realDragonium/Ultraviolet/mc"
)

// StatusVersion is the version block of a status response.
type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

// StatusPlayers is the players block of a status response.
type StatusPlayers struct {
	Max    int `json:"max"`
	Online int `json:"online"`
}

// Text is a plain chat component.
type Text struct {
	Text string `json:"text"`
}

// StatusResponse is the JSON document returned to a server list ping.
type StatusResponse struct {
	Version     StatusVersion `json:"version"`
	Players     StatusPlayers `json:"players"`
	Description Text          `json:"description"`
}

// StatusPacket encodes resp as a Status Response packet.
func StatusPacket(resp StatusResponse) ([]byte, error) {
	body, err := marshalJSON(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding status response: %w", err)
	}
	return Packet{ID: StatusResponseID, Data: appendString(nil, body)}.Marshal(), nil
}

// PongPacket echoes a ping payload.
func PongPacket(payload int64) []byte {
	return Packet{ID: PongID, Data: mc.Long(payload).Encode()}.Marshal()
}

// DisconnectPacket encodes a login-state Disconnect carrying reason.
func DisconnectPacket(reason string) ([]byte, error) {
	body, err := marshalJSON(Text{Text: reason})
	if err != nil {
		return nil, fmt.Errorf("encoding disconnect reason: %w", err)
	}
	return Packet{ID: LoginDisconnectID, Data: appendString(nil, body)}.Marshal(), nil
}

// ParseStatusResponse decodes the JSON carried by a Status Response packet.
func ParseStatusResponse(p Packet) (StatusResponse, error) {
	if p.ID != StatusResponseID {
		return StatusResponse{}, fmt.Errorf("%w: expected status response, got packet 0x%02x", ErrMalformed, p.ID)
	}
	f := fields{b: p.Data}
	body, err := f.readString(MaxPacketLength)
	if err != nil {
		return StatusResponse{}, err
	}
	var resp StatusResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return resp, nil
}

// marshalJSON encodes v without HTML escaping so formatting codes and
// punctuation in messages reach the client unchanged.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
