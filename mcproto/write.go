package mcproto

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// WriteVarInt writes a VarInt (Minecraft format) to w.
func WriteVarInt(w io.Writer, value int32) error {
	var buf [5]byte
	i := 0
	v := uint32(value)
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf[i] = b
		i++
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf[:i])
	return err
}

// WriteString writes a Minecraft length-prefixed string.
func WriteString(w io.Writer, s string) error {
	if err := WriteVarInt(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// buildPacket frames a packet as [length VarInt][packetId VarInt][payload].
func buildPacket(packetID int32, payload []byte) []byte {
	var body bytes.Buffer
	_ = WriteVarInt(&body, packetID)
	body.Write(payload)

	var framed bytes.Buffer
	_ = WriteVarInt(&framed, int32(body.Len()))
	framed.Write(body.Bytes())
	return framed.Bytes()
}

// chatComponent wraps plain text into the JSON chat component shape the
// protocol requires for disconnect reasons and status descriptions.
func chatComponent(text string) map[string]string {
	return map[string]string{"text": text}
}

// WriteLoginDisconnect writes a Login Disconnect packet (id 0x00) carrying
// reason as the Login Disconnect packet's chat component payload. A reason
// already shaped as a chat component (starts with '{') is sent as-is;
// otherwise it is wrapped as plain text.
func WriteLoginDisconnect(w io.Writer, reason string) error {
	var raw json.RawMessage
	if strings.HasPrefix(reason, "{") {
		raw = json.RawMessage(reason)
	} else {
		b, err := json.Marshal(chatComponent(reason))
		if err != nil {
			return err
		}
		raw = b
	}

	var payload bytes.Buffer
	if err := WriteString(&payload, string(raw)); err != nil {
		return err
	}

	_, err := w.Write(buildPacket(PacketIDLoginDisconnect, payload.Bytes()))
	return err
}

// StatusResponsePlayerSample is one entry of the optional players.sample list.
type StatusResponsePlayerSample struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// StatusResponse mirrors the JSON document sent in a Status Response packet.
type StatusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int                          `json:"max"`
		Online int                          `json:"online"`
		Sample []StatusResponsePlayerSample `json:"sample,omitempty"`
	} `json:"players"`
	Description interface{} `json:"description"`
	Favicon     string      `json:"favicon,omitempty"`
}

// WriteStatusResponse writes a Status Response packet (id 0x00) carrying
// status marshalled as JSON.
func WriteStatusResponse(w io.Writer, status StatusResponse) error {
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}

	var payload bytes.Buffer
	if err := WriteString(&payload, string(b)); err != nil {
		return err
	}

	_, err = w.Write(buildPacket(PacketIDStatusResponse, payload.Bytes()))
	return err
}

// WritePong writes a Pong packet (id 0x01) echoing back the ping payload.
func WritePong(w io.Writer, payload int64) error {
	var body bytes.Buffer
	var buf [8]byte
	v := uint64(payload)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	body.Write(buf[:])

	_, err := w.Write(buildPacket(PacketIDPong, body.Bytes()))
	return err
}
