package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

const frameHeaderLen = 4

// Reply codes written back by the receiver, one per frame.
const (
	replyAck     byte = 0x01
	replyRequeue byte = 0x02
	replyDiscard byte = 0x03
)

var ErrFrameTooLarge = errors.New("tcp: frame too large")

// writeFrame writes a 4-byte big-endian length followed by data.
func writeFrame(w io.Writer, data []byte, maxSize int) error {
	if len(data) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), maxSize)
	}

	buf := make([]byte, frameHeaderLen+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderLen:], data)

	_, err := w.Write(buf)

	return err
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderLen]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

func encodePayload(p *transport.Payload) ([]byte, error) {
	return envelope.EncodeWire(p.Headers, p.Body)
}

// decodePayload never fails: undecodable frames are handed on with the raw
// bytes as body and no headers, so that mapping rejects them.
func decodePayload(data []byte) *transport.Payload {
	headers, body, err := envelope.DecodeWire(data)
	if err != nil {
		return &transport.Payload{Body: data}
	}

	return &transport.Payload{Headers: headers, Body: body}
}
