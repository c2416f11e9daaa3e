package wire

import (
	"errors"
	"fmt"
)

// Compaction maps verbose field names onto single-character wire keys to
// shrink transported payloads. The tables are versioned by the protocol:
// changing any mapping breaks interoperability with deployed peers.
//
// "S" is permanently reserved and never mapped, so that "sender" and
// "signature" can never be confused by a one-letter table edit.

var (
	ErrFieldShape = errors.New("wire field shape mismatch")
)

// wireKeyShared is the envelope key carrying either a single sealed key
// (string) or a per-recipient keyed collection, disambiguated by shape.
const wireKeyShared = "K"

var envelopeShorten = map[string]string{
	"sender":    "F",
	"receiver":  "R",
	"time":      "W",
	"type":      "T",
	"group":     "G",
	"key":       wireKeyShared,
	"keys":      wireKeyShared,
	"data":      "D",
	"signature": "V",
	"meta":      "M",
	"visa":      "P",
}

var envelopeRestore = map[string]string{
	"F": "sender",
	"R": "receiver",
	"W": "time",
	"T": "type",
	"G": "group",
	"D": "data",
	"V": "signature",
	"M": "meta",
	"P": "visa",
	// "K" is handled by value shape, see restoreSharedKey.
}

var contentShorten = map[string]string{
	"type":          "T",
	"serial-number": "N",
	"time":          "W",
	"group":         "G",
	"command":       "C",
}

var contentRestore = map[string]string{
	"T": "type",
	"N": "serial-number",
	"W": "time",
	"G": "group",
	"C": "command",
}

var keyShorten = map[string]string{
	"algorithm": "A",
	"data":      "D",
	"iv":        "I",
}

var keyRestore = map[string]string{
	"A": "algorithm",
	"D": "data",
	"I": "iv",
}

// ShortenEnvelope compacts a message envelope's field names. Fields absent
// from the table pass through untouched.
func ShortenEnvelope(fields map[string]any) (map[string]any, error) {
	return shorten(fields, envelopeShorten, true)
}

// RestoreEnvelope reverses ShortenEnvelope. The shared "K" key restores to
// "key" for a string value and "keys" for a keyed collection; any other
// shape is a hard format error.
func RestoreEnvelope(fields map[string]any) (map[string]any, error) {
	return restore(fields, envelopeRestore, true)
}

// ShortenContent compacts a content node's header fields.
func ShortenContent(fields map[string]any) (map[string]any, error) {
	return shorten(fields, contentShorten, false)
}

// RestoreContent reverses ShortenContent.
func RestoreContent(fields map[string]any) (map[string]any, error) {
	return restore(fields, contentRestore, false)
}

// ShortenKey compacts a serialized symmetric key.
func ShortenKey(fields map[string]any) (map[string]any, error) {
	return shorten(fields, keyShorten, false)
}

// RestoreKey reverses ShortenKey.
func RestoreKey(fields map[string]any) (map[string]any, error) {
	return restore(fields, keyRestore, false)
}

func shorten(fields map[string]any, table map[string]string, sharedKey bool) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		short, ok := table[name]
		if !ok {
			out[name] = value
			continue
		}
		if sharedKey && short == wireKeyShared {
			if err := checkSharedKeyShape(name, value); err != nil {
				return nil, err
			}
		}
		if _, dup := out[short]; dup {
			return nil, fmt.Errorf("%w: duplicate wire key %q", ErrFieldShape, short)
		}
		out[short] = value
	}
	return out, nil
}

func restore(fields map[string]any, table map[string]string, sharedKey bool) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for short, value := range fields {
		if sharedKey && short == wireKeyShared {
			name, err := restoreSharedKey(value)
			if err != nil {
				return nil, err
			}
			out[name] = value
			continue
		}
		name, ok := table[short]
		if !ok {
			out[short] = value
			continue
		}
		out[name] = value
	}
	return out, nil
}

// checkSharedKeyShape validates the outbound value against the field name:
// a single key must be a string, a multi-recipient list a keyed collection.
func checkSharedKeyShape(name string, value any) error {
	switch name {
	case "key":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: %q must be a string", ErrFieldShape, name)
		}
	case "keys":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("%w: %q must be a keyed collection", ErrFieldShape, name)
		}
	}
	return nil
}

func restoreSharedKey(value any) (string, error) {
	switch value.(type) {
	case string:
		return "key", nil
	case map[string]any:
		return "keys", nil
	default:
		return "", fmt.Errorf("%w: wire key %q carries neither a string nor a keyed collection", ErrFieldShape, wireKeyShared)
	}
}
