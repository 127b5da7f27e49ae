package xrelay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Codec is the Strategy for encoding change events and envelopes on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// UnwrapBatch returns the messages carried by payload when it is a BatchEnvelope.
// Any other payload yields ok=false and must be treated as a single message.
func UnwrapBatch(c Codec, payload []byte) (msgs []EnvelopeMessage, ok bool) {
	// cheap reject for the JSON wire format; other codecs always decode
	if _, isJSON := c.(JSONCodec); isJSON && !bytes.Contains(payload, []byte(`"type"`)) {
		return nil, false
	}
	var env BatchEnvelope
	if err := c.Unmarshal(payload, &env); err != nil {
		return nil, false
	}
	if env.Type != envelopeTypeBatch {
		return nil, false
	}
	return env.Messages, true
}
