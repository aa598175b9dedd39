package mcproto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteVarIntRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 255, 25565, 2097151, -1} {
		var buf bytes.Buffer
		require.NoError(t, WriteVarInt(&buf, v))

		got, err := ReadVarInt(&buf)
		require.NoError(t, err)
		assert.Equal(t, int(v), got)
	}
}

func TestWriteStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "play.example.com"))

	got, err := ReadString(&buf, MaxHostLength)
	require.NoError(t, err)
	assert.Equal(t, "play.example.com", got)
}

func TestHandshakeEncodeDecodeRoundTrip(t *testing.T) {
	h := &Handshake{
		ProtocolVersion: 763,
		ServerAddress:   "play.example.com",
		ServerPort:      25565,
		NextState:       StateLogin,
	}

	var body bytes.Buffer
	require.NoError(t, WriteVarInt(&body, int32(h.ProtocolVersion)))
	require.NoError(t, WriteString(&body, h.ServerAddress))
	body.WriteByte(byte(h.ServerPort >> 8))
	body.WriteByte(byte(h.ServerPort))
	require.NoError(t, WriteVarInt(&body, int32(h.NextState)))

	decoded, err := DecodeHandshake(body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestWriteLoginDisconnectProducesChatComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLoginDisconnect(&buf, "server full"))

	packet, err := ReadPacket(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, PacketIDLoginDisconnect, packet.PacketID)

	reason, err := ReadString(bytes.NewReader(packet.Data), 1<<20)
	require.NoError(t, err)

	var component map[string]string
	require.NoError(t, json.Unmarshal([]byte(reason), &component))
	assert.Equal(t, "server full", component["text"])
}

func TestWriteLoginDisconnectPassesThroughAChatComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLoginDisconnect(&buf, `{"text":"nope","color":"red"}`))

	packet, err := ReadPacket(&buf, nil)
	require.NoError(t, err)

	reason, err := ReadString(bytes.NewReader(packet.Data), 1<<20)
	require.NoError(t, err)

	var component map[string]string
	require.NoError(t, json.Unmarshal([]byte(reason), &component))
	assert.Equal(t, "nope", component["text"])
	assert.Equal(t, "red", component["color"])
}

func TestWriteStatusResponseRoundTrip(t *testing.T) {
	status := StatusResponse{}
	status.Version.Name = "1.20.4"
	status.Version.Protocol = 765
	status.Players.Max = 20
	status.Players.Online = 3
	status.Description = map[string]string{"text": "A Minecraft Server"}

	var buf bytes.Buffer
	require.NoError(t, WriteStatusResponse(&buf, status))

	packet, err := ReadPacket(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, PacketIDStatusResponse, packet.PacketID)

	body, err := ReadString(bytes.NewReader(packet.Data), 1<<20)
	require.NoError(t, err)

	var decoded StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, status.Version.Name, decoded.Version.Name)
	assert.Equal(t, status.Players.Max, decoded.Players.Max)
}

func TestWritePongEchoesPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePong(&buf, 1234567890))

	packet, err := ReadPacket(&buf, nil)
	require.NoError(t, err)
	assert.Equal(t, PacketIDPong, packet.PacketID)

	payload, err := ReadLong(bytes.NewReader(packet.Data))
	require.NoError(t, err)
	assert.EqualValues(t, 1234567890, payload)
}
