package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type frameType uint8

const (
	frameHello frameType = iota + 1
	frameWelcome
	frameReject
	frameMessage
	frameGoodbye
	// frameShutdown never crosses the wire. It is the poison message a
	// stopping broker puts into its own inboxes.
	frameShutdown
)

func (t frameType) String() string {
	switch t {
	case frameHello:
		return "hello"
	case frameWelcome:
		return "welcome"
	case frameReject:
		return "reject"
	case frameMessage:
		return "message"
	case frameGoodbye:
		return "goodbye"
	case frameShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("frameType(%d)", uint8(t))
	}
}

type frame struct {
	Type    frameType `cbor:"1,keyasint"`
	NodeID  string    `cbor:"2,keyasint,omitempty"`
	Version string    `cbor:"3,keyasint,omitempty"`
	Channel string    `cbor:"4,keyasint,omitempty"`
	Reason  string    `cbor:"5,keyasint,omitempty"`
	Payload []byte    `cbor:"6,keyasint,omitempty"`
}

const (
	lengthPrefixSize = 4
	maxFrameSize     = 1 << 20
)

var errFrameTooLarge = errors.New("frame too large")

func writeFrame(w io.Writer, f frame) error {
	data, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%s frame of %d bytes: %w", f.Type, len(data), errFrameTooLarge)
	}
	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var f frame
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return f, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameSize {
		return f, fmt.Errorf("frame of %d bytes: %w", size, errFrameTooLarge)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return f, fmt.Errorf("read frame body: %w", err)
	}
	if err := cbor.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
