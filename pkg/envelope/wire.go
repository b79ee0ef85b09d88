package envelope

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type wireEnvelope struct {
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// EncodeWire serializes a header map and body into the envelope wire format.
func EncodeWire(headers map[string]string, body []byte) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Headers: headers,
		Body:    body,
	})
}

// DecodeWire parses bytes produced by EncodeWire.
func DecodeWire(data []byte) (map[string]string, []byte, error) {
	var w wireEnvelope

	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Headers == nil {
		return nil, nil, fmt.Errorf("%w: no headers", ErrMalformed)
	}

	return w.Headers, w.Body, nil
}

// Marshal serializes the envelope headers and encoded body. Message must
// already be encoded into Data.
func Marshal(e *Envelope) ([]byte, error) {
	return EncodeWire(WriteHeaders(e), e.Data)
}

// Unmarshal parses bytes produced by Marshal into an incoming envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	headers, body, err := DecodeWire(data)
	if err != nil {
		return nil, err
	}

	return ReadHeaders(headers, body)
}
