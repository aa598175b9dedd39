package mcproto

import (
	"bytes"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ReadPacket reads one length-prefixed frame from reader and splits the
// packet ID back out of its payload.
func ReadPacket(reader io.Reader, addr net.Addr) (*Packet, error) {
	frame, err := ReadFrame(reader, addr)
	if err != nil {
		return nil, err
	}

	remainder := bytes.NewBuffer(frame.Payload)

	packetID, err := ReadVarInt(remainder)
	if err != nil {
		return nil, errors.Wrap(err, "reading packet id")
	}

	packet := &Packet{
		PacketID: packetID,
		Data:     remainder.Bytes(),
	}

	logrus.WithField("client", addr).WithField("packet", packet).Debug("read packet")
	return packet, nil
}

// ReadFrame reads a VarInt-prefixed frame, rejecting lengths beyond
// MaxFrameLength before allocating the payload buffer.
func ReadFrame(reader io.Reader, addr net.Addr) (*Frame, error) {
	length, err := ReadVarInt(reader)
	if err != nil {
		return nil, errors.Wrap(err, "reading frame length")
	}

	if length < 0 || length > MaxFrameLength {
		return nil, errors.Errorf("frame length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, errors.Wrap(err, "reading frame payload")
	}

	frame := &Frame{Length: length, Payload: payload}
	logrus.WithField("client", addr).WithField("frame", frame).Debug("read frame")
	return frame, nil
}

// ReadVarInt reads a Minecraft-format VarInt, aborting with an error after
// MaxVarIntBytes continuation bytes, matching spec.md's "5-byte abort" rule.
func ReadVarInt(reader io.Reader) (int, error) {
	var b [1]byte
	var numRead uint
	result := 0
	for numRead < MaxVarIntBytes {
		if _, err := io.ReadFull(reader, b[:]); err != nil {
			return 0, err
		}

		value := b[0] & 0x7F
		result |= int(value) << (7 * numRead)
		numRead++

		if b[0]&0x80 == 0 {
			// Sign-extend from 32 bits so a negative int32 written as a
			// 5-byte VarInt reads back as the same negative value.
			return int(int32(uint32(result))), nil
		}
	}

	return 0, errors.New("VarInt is too big")
}

// ReadString reads a VarInt-length-prefixed UTF-8 string, rejecting a
// declared length beyond maxLen before allocating.
func ReadString(reader io.Reader, maxLen int) (string, error) {
	length, err := ReadVarInt(reader)
	if err != nil {
		return "", errors.Wrap(err, "reading string length")
	}
	if length < 0 || length > maxLen {
		return "", errors.Errorf("string length %d exceeds limit %d", length, maxLen)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", errors.Wrap(err, "reading string bytes")
	}

	return string(buf), nil
}

func ReadUnsignedShort(reader io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func ReadLong(reader io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range buf {
		v = v<<8 | uint64(c)
	}
	return int64(v), nil
}

func ReadBoolean(reader io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(reader, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

