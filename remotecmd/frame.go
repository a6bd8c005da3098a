package remotecmd

import "fmt"

// Channel identifies one logical stream carried over an exec connection.
// The value is the prefix byte of every frame on the wire.
type Channel byte

const (
	StdinChannel  Channel = 0
	StdoutChannel Channel = 1
	StderrChannel Channel = 2
	// StatusChannel carries the JSON status body once the remote process exits.
	StatusChannel Channel = 3
	// ResizeChannel carries JSON terminal size updates for tty sessions.
	ResizeChannel Channel = 4
	// CloseChannel is the v5 close signal. Its payload is the one-byte id of the channel being closed.
	CloseChannel Channel = 255
)

func (c Channel) String() string {
	switch c {
	case StdinChannel:
		return "stdin"
	case StdoutChannel:
		return "stdout"
	case StderrChannel:
		return "stderr"
	case StatusChannel:
		return "status"
	case ResizeChannel:
		return "resize"
	case CloseChannel:
		return "close"
	}
	return fmt.Sprintf("channel(%d)", byte(c))
}

// EncodeFrame returns a new frame containing the channel prefix followed by payload.
func EncodeFrame(ch Channel, payload []byte) []byte {
	frame := make([]byte, len(payload)+1)
	frame[0] = byte(ch)
	copy(frame[1:], payload)
	return frame
}

// DecodeFrame splits a frame into its channel and payload.
// The payload aliases frame.
func DecodeFrame(frame []byte) (Channel, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, &ProtocolError{Msg: "empty frame"}
	}
	return Channel(frame[0]), frame[1:], nil
}
