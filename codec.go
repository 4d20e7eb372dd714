package chatrelay

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes EventPayload for the bus. JSON is the wire default and the
// interoperable format; msgpack is only safe when every producer and gateway
// on the channel is configured with it.
type Codec interface {
	Name() string
	Encode(EventPayload) ([]byte, error)
	Decode([]byte) (EventPayload, error)
}

// CodecByName resolves a configured codec name. Unknown names are an error
// rather than a silent JSON fallback; a mixed-codec channel drops every
// message on one side.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: codec %q", ErrUnknownCodec, name)
	}
}

// JSONCodec implements the wire format from the protocol contract.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(ev EventPayload) ([]byte, error) {
	return json.Marshal(ev)
}

func (JSONCodec) Decode(data []byte) (EventPayload, error) {
	var ev EventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return EventPayload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ev, nil
}

// MsgpackCodec trades interoperability for size on intra-cluster channels.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(ev EventPayload) ([]byte, error) {
	return msgpack.Marshal(ev)
}

func (MsgpackCodec) Decode(data []byte) (EventPayload, error) {
	var ev EventPayload
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return EventPayload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ev, nil
}

var (
	_ Codec = JSONCodec{}
	_ Codec = MsgpackCodec{}
)
