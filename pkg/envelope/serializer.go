package envelope

import (
	"fmt"

	"github.com/quarks-tech/courier-go/pkg/encoding"
	_ "github.com/quarks-tech/courier-go/pkg/encoding/json"
)

const DefaultContentType = "application/json"

// Serializer converts between Message and Data using the registered codecs.
type Serializer struct {
	types       *TypeRegistry
	contentType string
}

func NewSerializer(types *TypeRegistry, contentType string) *Serializer {
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Serializer{
		types:       types,
		contentType: contentType,
	}
}

func (s *Serializer) Types() *TypeRegistry {
	return s.types
}

// Encode fills MessageType, ContentType and Data from Message.
func (s *Serializer) Encode(e *Envelope) error {
	if e.Message == nil {
		if len(e.Data) > 0 {
			return nil
		}

		return fmt.Errorf("encode %s: nil message", e.ID)
	}

	if e.MessageType == "" {
		e.MessageType = s.types.AliasFor(e.Message)
	}

	if e.ContentType == "" {
		e.ContentType = s.contentType
	}

	codec, err := encoding.CodecFor(e.ContentType)
	if err != nil {
		return fmt.Errorf("encode %s: %s: %w", e, e.ContentType, err)
	}

	data, err := codec.Marshal(e.Message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e, err)
	}

	e.Data = data

	return nil
}

// Decode fills Message from Data. Unknown aliases fail with
// ErrUnknownMessageType.
func (s *Serializer) Decode(e *Envelope) error {
	msg, err := s.types.New(e.MessageType)
	if err != nil {
		return err
	}

	contentType := e.ContentType
	if contentType == "" {
		contentType = s.contentType
	}

	codec, err := encoding.CodecFor(contentType)
	if err != nil {
		return fmt.Errorf("decode %s: %s: %w", e, contentType, err)
	}

	if err = codec.Unmarshal(e.Data, msg); err != nil {
		return fmt.Errorf("decode %s: %w", e, err)
	}

	e.Message = msg

	return nil
}
