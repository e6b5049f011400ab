package record

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// MarshalJSON encodes the value as its plain JSON equivalent.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes any JSON document into a tagged value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	converted, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

// MarshalYAML lets yaml.v3 encode the value as plain data.
func (v Value) MarshalYAML() (any, error) {
	return v.Native(), nil
}

// UnmarshalYAML decodes a YAML node into a tagged value.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	converted, err := FromNative(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = converted
	return nil
}

// EncodeMsgpack writes the value with map keys in sorted order so identical
// records always produce identical bytes.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindNumber:
		return enc.EncodeFloat64(v.n)
	case KindString:
		return enc.EncodeString(v.s)
	case KindList:
		if err := enc.EncodeArrayLen(len(v.l)); err != nil {
			return err
		}
		for _, item := range v.l {
			if err := item.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		return v.m.EncodeMsgpack(enc)
	}
	return fmt.Errorf("cannot encode value of kind %s", v.kind)
}

// DecodeMsgpack reads any msgpack value into a tagged value.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	converted, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

// EncodeMsgpack writes the record as a msgpack map with sorted keys.
func (r Record) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(r)); err != nil {
		return err
	}
	for _, key := range r.Keys() {
		if err := enc.EncodeString(key); err != nil {
			return err
		}
		if err := r[key].EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack reads a msgpack map into the record. A nil payload decodes
// to an empty record.
func (r *Record) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	if raw == nil {
		*r = Record{}
		return nil
	}
	converted, err := FromNative(raw)
	if err != nil {
		return err
	}
	rec, ok := converted.AsMap()
	if !ok {
		return fmt.Errorf("expected map, got %s", converted.Kind())
	}
	*r = rec
	return nil
}

// Marshal encodes any msgpack-encodable payload using a pooled buffer.
func Marshal(payload any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(buf)

	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

// Unmarshal decodes a msgpack payload produced by Marshal.
func Unmarshal(data []byte, out any) error {
	return msgpack.Unmarshal(data, out)
}
