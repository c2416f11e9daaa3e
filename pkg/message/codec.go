package message

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"mist-chat/go-core/internal/wire"
	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
)

// Field maps use verbose names and wire-safe value types only (strings,
// int64, nested map[string]any, []any); the compactor and the CBOR step
// then take over. Binary values travel base64-encoded.

func newSerialNumber() int64 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() & 0x7fffffff
	}
	n := int64(binary.BigEndian.Uint32(buf[:]) & 0x7fffffff)
	if n == 0 {
		n = 1
	}
	return n
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func unb64(field string, value any) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base64 string", ErrInvalidEnvelope, field)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64", ErrInvalidEnvelope, field)
	}
	return data, nil
}

// ContentFields flattens a content node into its verbose field map.
func (c Content) Fields() map[string]any {
	out := make(map[string]any, len(c.Body)+4)
	for name, value := range c.Body {
		out[name] = value
	}
	out["type"] = c.Type
	out["serial-number"] = c.SerialNumber
	out["time"] = c.Time.Unix()
	if !c.Group.IsZero() {
		out["group"] = c.Group.String()
	}
	return out
}

// ContentFromFields rebuilds a content node, keeping unrecognized fields
// in Body so unknown content kinds survive a round trip.
func ContentFromFields(fields map[string]any) (Content, error) {
	var c Content
	c.Body = make(map[string]any, len(fields))
	for name, value := range fields {
		switch name {
		case "type":
			s, ok := value.(string)
			if !ok {
				return Content{}, ErrInvalidContent
			}
			c.Type = s
		case "serial-number":
			n, ok := value.(int64)
			if !ok {
				return Content{}, ErrInvalidContent
			}
			c.SerialNumber = n
		case "time":
			n, ok := value.(int64)
			if !ok {
				return Content{}, ErrInvalidContent
			}
			c.Time = time.Unix(n, 0).UTC()
		case "group":
			s, ok := value.(string)
			if !ok {
				return Content{}, ErrInvalidContent
			}
			group, err := ids.Parse(s)
			if err != nil {
				return Content{}, ErrInvalidContent
			}
			c.Group = group
		default:
			c.Body[name] = value
		}
	}
	if c.Type == "" || c.SerialNumber == 0 {
		return Content{}, ErrInvalidContent
	}
	return c, nil
}

// EncodeContent serializes a content node to transport bytes.
func EncodeContent(c Content) ([]byte, error) {
	short, err := wire.ShortenContent(c.Fields())
	if err != nil {
		return nil, err
	}
	return wire.Serialize(short)
}

// DecodeContent reverses EncodeContent.
func DecodeContent(data []byte) (Content, error) {
	short, err := wire.Deserialize(data)
	if err != nil {
		return Content{}, err
	}
	fields, err := wire.RestoreContent(short)
	if err != nil {
		return Content{}, err
	}
	return ContentFromFields(fields)
}

// Fields flattens a signed message into its verbose envelope field map.
func (m Signed) Fields() (map[string]any, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := map[string]any{
		"sender":   m.Sender.String(),
		"receiver": m.Receiver.String(),
		"time":     m.Time.Unix(),
	}
	if m.Type != "" {
		out["type"] = m.Type
	}
	if !m.Group.IsZero() {
		out["group"] = m.Group.String()
	}
	out["data"] = b64(m.Data)
	if len(m.Keys) > 0 {
		keys := make(map[string]any, len(m.Keys))
		for receiver, sealed := range m.Keys {
			keys[receiver] = b64(sealed)
		}
		out["keys"] = keys
	} else if len(m.Key) > 0 {
		out["key"] = b64(m.Key)
	}
	out["signature"] = b64(m.Signature)
	if m.Meta != nil {
		out["meta"] = metaFields(*m.Meta)
	}
	if m.Visa != nil {
		out["visa"] = visaFields(*m.Visa)
	}
	return out, nil
}

// SignedFromFields rebuilds a signed message from its verbose field map.
func SignedFromFields(fields map[string]any) (Signed, error) {
	var m Signed
	var err error
	for name, value := range fields {
		switch name {
		case "sender":
			if m.Sender, err = parseIDField(name, value); err != nil {
				return Signed{}, err
			}
		case "receiver":
			if m.Receiver, err = parseIDField(name, value); err != nil {
				return Signed{}, err
			}
		case "time":
			n, ok := value.(int64)
			if !ok {
				return Signed{}, ErrInvalidEnvelope
			}
			m.Time = time.Unix(n, 0).UTC()
		case "type":
			s, ok := value.(string)
			if !ok {
				return Signed{}, ErrInvalidEnvelope
			}
			m.Type = s
		case "group":
			if m.Group, err = parseIDField(name, value); err != nil {
				return Signed{}, err
			}
		case "data":
			if m.Data, err = unb64(name, value); err != nil {
				return Signed{}, err
			}
		case "key":
			if m.Key, err = unb64(name, value); err != nil {
				return Signed{}, err
			}
		case "keys":
			keys, ok := value.(map[string]any)
			if !ok {
				return Signed{}, ErrInvalidEnvelope
			}
			m.Keys = make(map[string][]byte, len(keys))
			for receiver, sealed := range keys {
				m.Keys[receiver], err = unb64("keys."+receiver, sealed)
				if err != nil {
					return Signed{}, err
				}
			}
		case "signature":
			if m.Signature, err = unb64(name, value); err != nil {
				return Signed{}, err
			}
		case "meta":
			meta, err := metaFromFields(value)
			if err != nil {
				return Signed{}, err
			}
			m.Meta = meta
		case "visa":
			visa, err := visaFromFields(value)
			if err != nil {
				return Signed{}, err
			}
			m.Visa = visa
		}
	}
	if err := m.Validate(); err != nil {
		return Signed{}, err
	}
	if len(m.Signature) == 0 {
		return Signed{}, ErrInvalidEnvelope
	}
	return m, nil
}

// Encode compacts and serializes a signed message for the wire.
func Encode(m Signed) ([]byte, error) {
	fields, err := m.Fields()
	if err != nil {
		return nil, err
	}
	short, err := wire.ShortenEnvelope(fields)
	if err != nil {
		return nil, err
	}
	return wire.Serialize(short)
}

// Decode reverses Encode.
func Decode(data []byte) (Signed, error) {
	short, err := wire.Deserialize(data)
	if err != nil {
		return Signed{}, err
	}
	fields, err := wire.RestoreEnvelope(short)
	if err != nil {
		return Signed{}, err
	}
	return SignedFromFields(fields)
}

func parseIDField(field string, value any) (ids.Identifier, error) {
	s, ok := value.(string)
	if !ok {
		return ids.Identifier{}, fmt.Errorf("%w: %s must be an identifier string", ErrInvalidEnvelope, field)
	}
	id, err := ids.Parse(s)
	if err != nil {
		return ids.Identifier{}, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, field, err)
	}
	return id, nil
}

func metaFields(m entity.Meta) map[string]any {
	out := map[string]any{
		"version": int64(m.Version),
		"key":     b64(m.Key),
	}
	if m.Seed != "" {
		out["seed"] = m.Seed
		out["fingerprint"] = b64(m.Fingerprint)
	}
	return out
}

func metaFromFields(value any) (*entity.Meta, error) {
	fields, ok := value.(map[string]any)
	if !ok {
		return nil, ErrInvalidEnvelope
	}
	var m entity.Meta
	if v, ok := fields["version"].(int64); ok {
		m.Version = uint8(v)
	}
	var err error
	if raw, ok := fields["key"]; ok {
		if m.Key, err = unb64("meta.key", raw); err != nil {
			return nil, err
		}
	}
	if s, ok := fields["seed"].(string); ok {
		m.Seed = s
	}
	if raw, ok := fields["fingerprint"]; ok {
		if m.Fingerprint, err = unb64("meta.fingerprint", raw); err != nil {
			return nil, err
		}
	}
	if !m.Valid() {
		return nil, ErrInvalidEnvelope
	}
	return &m, nil
}

func visaFields(d entity.Document) map[string]any {
	return map[string]any{
		"type":      d.Type,
		"did":       d.ID.String(),
		"data":      b64(d.Data),
		"signature": b64(d.Signature),
	}
}

func visaFromFields(value any) (*entity.Document, error) {
	fields, ok := value.(map[string]any)
	if !ok {
		return nil, ErrInvalidEnvelope
	}
	var d entity.Document
	var err error
	if s, ok := fields["type"].(string); ok {
		d.Type = s
	}
	if s, ok := fields["did"].(string); ok {
		if d.ID, err = ids.Parse(s); err != nil {
			return nil, ErrInvalidEnvelope
		}
	}
	if raw, ok := fields["data"]; ok {
		if d.Data, err = unb64("visa.data", raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := fields["signature"]; ok {
		if d.Signature, err = unb64("visa.signature", raw); err != nil {
			return nil, err
		}
	}
	if d.Type == "" || len(d.Data) == 0 || len(d.Signature) == 0 {
		return nil, ErrInvalidEnvelope
	}
	return &d, nil
}
