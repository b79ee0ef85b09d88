package encoding

import (
	"errors"
	"strings"
	"sync"
)

var ErrUnknownCodec = errors.New("courier: unknown codec")

const baseContentType = "application"

// Codec defines the interface the runtime uses to encode and decode message
// payloads. Implementations must be safe for concurrent use.
type Codec interface {
	// Name returns the name of the Codec implementation. The returned string
	// is used as the content subtype in transmission and must be static.
	Name() string
	// Marshal returns the wire format of v.
	Marshal(v any) ([]byte, error)
	// Unmarshal parses the wire format into v.
	Unmarshal(data []byte, v any) error
}

var (
	mu               sync.RWMutex
	registeredCodecs = make(map[string]Codec)
)

// RegisterCodec registers the provided Codec for use by serializers and
// transports.
//
// The Codec is stored and looked up by the result of its Name() method, which
// should match the content subtype of the encoding handled by the Codec. This
// is case-insensitive, and is stored and looked up as lowercase. If the
// result of calling Name() is an empty string, RegisterCodec will panic.
//
// If multiple codecs are registered with the same name, the one registered
// last takes effect.
func RegisterCodec(codec Codec) {
	if codec == nil {
		panic("courier: cannot register a nil Codec")
	}
	if codec.Name() == "" {
		panic("courier: cannot register Codec with empty string result for Name()")
	}

	mu.Lock()
	defer mu.Unlock()

	registeredCodecs[strings.ToLower(codec.Name())] = codec
}

// GetCodec gets a registered Codec by content subtype, or ErrUnknownCodec if
// no Codec is registered for it.
func GetCodec(contentSubtype string) (Codec, error) {
	mu.RLock()
	defer mu.RUnlock()

	codec, ok := registeredCodecs[strings.ToLower(contentSubtype)]
	if ok {
		return codec, nil
	}

	return nil, ErrUnknownCodec
}

// ContentSubtype extracts the codec name from a content type such as
// "application/json" or "application/json; charset=utf-8".
func ContentSubtype(contentType string) (string, bool) {
	if !strings.HasPrefix(contentType, baseContentType+"/") {
		return "", false
	}

	subtype := contentType[len(baseContentType)+1:]
	if pos := strings.IndexByte(subtype, ';'); pos >= 0 {
		subtype = subtype[:pos]
	}

	// structured syntax suffix, e.g. application/cloudevents+json
	if pos := strings.LastIndexByte(subtype, '+'); pos >= 0 {
		subtype = subtype[pos+1:]
	}

	subtype = strings.TrimSpace(subtype)

	return subtype, subtype != ""
}

// ContentType builds the content type for a codec name.
func ContentType(contentSubtype string) string {
	return baseContentType + "/" + contentSubtype
}

// CodecFor resolves the codec registered for a content type.
func CodecFor(contentType string) (Codec, error) {
	subtype, ok := ContentSubtype(contentType)
	if !ok {
		return nil, ErrUnknownCodec
	}

	return GetCodec(subtype)
}
