package mcproto

import (
	"bytes"

	"github.com/pkg/errors"
)

// DecodeHandshake decodes the Handshake packet body. Forge clients append a
// null-terminated suffix to the server address; it is truncated off.
func DecodeHandshake(data []byte) (*Handshake, error) {
	buffer := bytes.NewBuffer(data)

	protocolVersion, err := ReadVarInt(buffer)
	if err != nil {
		return nil, errors.Wrap(err, "reading protocol version")
	}

	serverAddress, err := ReadString(buffer, MaxHostLength)
	if err != nil {
		return nil, errors.Wrap(err, "reading server address")
	}
	if idx := bytes.IndexByte([]byte(serverAddress), 0); idx >= 0 {
		serverAddress = serverAddress[:idx]
	}

	serverPort, err := ReadUnsignedShort(buffer)
	if err != nil {
		return nil, errors.Wrap(err, "reading server port")
	}

	nextState, err := ReadVarInt(buffer)
	if err != nil {
		return nil, errors.Wrap(err, "reading next state")
	}

	return &Handshake{
		ProtocolVersion: protocolVersion,
		ServerAddress:   serverAddress,
		ServerPort:      serverPort,
		NextState:       State(nextState),
	}, nil
}

// DecodeLoginStart decodes only the username out of a Login Start packet
// body. The full raw payload is retained verbatim by the caller for
// byte-exact replay to the backend, since this gateway has no need to
// understand the signature/UUID fields that trail the username and whose
// shape varies by protocol version.
func DecodeLoginStart(data []byte) (*LoginStart, error) {
	buffer := bytes.NewBuffer(data)

	name, err := ReadString(buffer, MaxUsernameLength)
	if err != nil {
		return nil, errors.Wrap(err, "reading username")
	}

	return &LoginStart{Name: name, Raw: data}, nil
}
