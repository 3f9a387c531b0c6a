package encoding

import (
	"bytes"

	cbor "github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"
)

// canonical mode sorts map keys and uses shortest integer forms so that the
// same value always encodes to the same bytes.
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
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode encodes an object to canonical CBOR bytes.
func Encode(obj interface{}) ([]byte, error) {
	out, err := encMode.Marshal(obj)
	if err != nil {
		return nil, xerrors.Errorf("cbor encode %T: %w", obj, err)
	}
	return out, nil
}

// Decode decodes CBOR bytes into obj.
func Decode(raw []byte, obj interface{}) error {
	if err := decMode.Unmarshal(raw, obj); err != nil {
		return xerrors.Errorf("cbor decode %T: %w", obj, err)
	}
	return nil
}

// MustEncode is Encode for values that cannot fail to encode.
func MustEncode(obj interface{}) []byte {
	out, err := Encode(obj)
	if err != nil {
		panic(err)
	}
	return out
}

// EncodeToBuffer writes the encoding of obj to buf.
func EncodeToBuffer(buf *bytes.Buffer, obj interface{}) error {
	return encMode.NewEncoder(buf).Encode(obj)
}
