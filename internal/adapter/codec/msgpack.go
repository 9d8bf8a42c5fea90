package codec

import (
	"encoding/json"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack carries the same fields as JSON in binary frames. Signal payloads
// are embedded as native msgpack maps, not as JSON strings.
type Msgpack struct{}

func (Msgpack) Name() string   { return MsgpackSubprotocol }
func (Msgpack) FrameType() int { return websocket.BinaryMessage }

func (Msgpack) Encode(env domain.Envelope) ([]byte, error) {
	m, err := fields(env, func(raw json.RawMessage) (any, error) {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, domain.ProtocolError("encode", err, "payload is not json")
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(m)
}

func (Msgpack) Decode(data []byte) (domain.Envelope, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return domain.Envelope{}, domain.ProtocolError("decode", err, "invalid msgpack")
	}
	// Round-trip through JSON so payloads come out as the same opaque
	// bytes the JSON codec produces.
	raw, err := json.Marshal(m)
	if err != nil {
		return domain.Envelope{}, domain.ProtocolError("decode", err, "unsupported msgpack value")
	}
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Envelope{}, domain.ProtocolError("decode", err, "invalid envelope")
	}
	return w.envelope(), nil
}
