package wire

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// The byte serialization step turns a compacted key/value structure into
// transport bytes. CBOR keeps the wire compact and type-faithful: strings,
// integers and nested maps survive a round trip unchanged.

var ErrSerialize = errors.New("wire serialization failed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Serialize encodes a compacted structure into transport bytes.
func Serialize(fields map[string]any) ([]byte, error) {
	data, err := encMode.Marshal(fields)
	if err != nil {
		return nil, ErrSerialize
	}
	return data, nil
}

// Deserialize decodes transport bytes back into the compacted structure.
func Deserialize(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := decMode.Unmarshal(data, &fields); err != nil {
		return nil, ErrSerialize
	}
	return fields, nil
}
