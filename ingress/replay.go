package ingress

import (
	"bytes"
	"net"

	"github.com/mcingress/mcingress/mcproto"
)

// replayHandshake re-serializes and writes a (possibly rewritten) Handshake
// packet to the backend connection. The handshake is rebuilt rather than
// replayed byte-for-byte because the host may have been rewritten by the
// routing decision.
func replayHandshake(conn net.Conn, h *mcproto.Handshake) error {
	var body bytes.Buffer
	if err := mcproto.WriteVarInt(&body, int32(h.ProtocolVersion)); err != nil {
		return err
	}
	if err := mcproto.WriteString(&body, h.ServerAddress); err != nil {
		return err
	}
	portBuf := []byte{byte(h.ServerPort >> 8), byte(h.ServerPort)}
	body.Write(portBuf)
	if err := mcproto.WriteVarInt(&body, int32(h.NextState)); err != nil {
		return err
	}

	return writeFramedPacket(conn, mcproto.PacketIDHandshake, body.Bytes())
}

// replayRawPacket re-frames packetID and the exact raw bytes captured at
// decode time, preserving every field this gateway never parsed (signature
// data, optional UUIDs) byte-for-byte.
func replayRawPacket(conn net.Conn, packetID int, raw []byte) error {
	return writeFramedPacket(conn, packetID, raw)
}

func writeFramedPacket(conn net.Conn, packetID int, payload []byte) error {
	var body bytes.Buffer
	if err := mcproto.WriteVarInt(&body, int32(packetID)); err != nil {
		return err
	}
	body.Write(payload)

	var framed bytes.Buffer
	if err := mcproto.WriteVarInt(&framed, int32(body.Len())); err != nil {
		return err
	}
	framed.Write(body.Bytes())

	_, err := conn.Write(framed.Bytes())
	return err
}
