package encoding

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Helpers shared by the hand written cbor-gen style marshalers. Every chain
// type encodes as a fixed length CBOR tuple so encodings stay canonical.

// Writer bundles a destination with a scratch buffer.
type Writer struct {
	w       io.Writer
	scratch []byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, scratch: make([]byte, 9)}
}

// Array writes an array header of length l.
func (cw *Writer) Array(l int) error {
	return cbg.WriteMajorTypeHeaderBuf(cw.scratch, cw.w, cbg.MajArray, uint64(l))
}

// Uint writes an unsigned integer.
func (cw *Writer) Uint(v uint64) error {
	return cbg.WriteMajorTypeHeaderBuf(cw.scratch, cw.w, cbg.MajUnsignedInt, v)
}

// Int writes a signed integer.
func (cw *Writer) Int(v int64) error {
	if v >= 0 {
		return cbg.WriteMajorTypeHeaderBuf(cw.scratch, cw.w, cbg.MajUnsignedInt, uint64(v))
	}
	return cbg.WriteMajorTypeHeaderBuf(cw.scratch, cw.w, cbg.MajNegativeInt, uint64(-v-1))
}

// Bytes writes a byte string.
func (cw *Writer) Bytes(b []byte) error {
	if uint64(len(b)) > cbg.ByteArrayMaxLen {
		return fmt.Errorf("byte array too large (%d)", len(b))
	}
	if err := cbg.WriteMajorTypeHeaderBuf(cw.scratch, cw.w, cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := cw.w.Write(b)
	return err
}

// String writes a text string.
func (cw *Writer) String(s string) error {
	if len(s) > cbg.MaxLength {
		return fmt.Errorf("string too long (%d)", len(s))
	}
	if err := cbg.WriteMajorTypeHeaderBuf(cw.scratch, cw.w, cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(cw.w, s)
	return err
}

// Cid writes a tagged link. Undefined cids are rejected.
func (cw *Writer) Cid(c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("cannot encode undefined cid")
	}
	return cbg.WriteCidBuf(cw.scratch, cw.w, c)
}

// Cids writes an array of links.
func (cw *Writer) Cids(cs []cid.Cid) error {
	if len(cs) > cbg.MaxLength {
		return fmt.Errorf("cid array too long (%d)", len(cs))
	}
	if err := cw.Array(len(cs)); err != nil {
		return err
	}
	for _, c := range cs {
		if err := cw.Cid(c); err != nil {
			return err
		}
	}
	return nil
}

// Bool writes a CBOR simple boolean.
func (cw *Writer) Bool(b bool) error {
	v := cbg.CborBoolFalse
	if b {
		v = cbg.CborBoolTrue
	}
	_, err := cw.w.Write(v)
	return err
}

// Object delegates to a nested marshaler.
func (cw *Writer) Object(m cbg.CBORMarshaler) error {
	return m.MarshalCBOR(cw.w)
}

// Null writes the CBOR null value used for absent optional fields.
func (cw *Writer) Null() error {
	_, err := cw.w.Write(cbg.CborNull)
	return err
}

// Reader bundles a source with a scratch buffer.
type Reader struct {
	r       cbg.BytePeeker
	scratch []byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: cbg.GetPeeker(r), scratch: make([]byte, 8)}
}

// Underlying exposes the peeking reader for nested unmarshalers.
func (cr *Reader) Underlying() io.Reader {
	return cr.r
}

func (cr *Reader) header() (byte, uint64, error) {
	return cbg.CborReadHeaderBuf(cr.r, cr.scratch)
}

// Array reads an array header and checks its length.
func (cr *Reader) Array(expected int) error {
	maj, extra, err := cr.header()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}
	if extra != uint64(expected) {
		return fmt.Errorf("cbor input had wrong number of fields: %d != %d", extra, expected)
	}
	return nil
}

// ArrayLen reads an array header of arbitrary length bounded by max.
func (cr *Reader) ArrayLen(max int) (int, error) {
	maj, extra, err := cr.header()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajArray {
		return 0, fmt.Errorf("expected cbor array")
	}
	if extra > uint64(max) {
		return 0, fmt.Errorf("array too large (%d)", extra)
	}
	return int(extra), nil
}

// Uint reads an unsigned integer.
func (cr *Reader) Uint() (uint64, error) {
	maj, extra, err := cr.header()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("wrong type for uint64 field")
	}
	return extra, nil
}

// Int reads a signed integer.
func (cr *Reader) Int() (int64, error) {
	maj, extra, err := cr.header()
	if err != nil {
		return 0, err
	}
	switch maj {
	case cbg.MajUnsignedInt:
		if extra > math.MaxInt64 {
			return 0, fmt.Errorf("int64 positive overflow")
		}
		return int64(extra), nil
	case cbg.MajNegativeInt:
		if extra > math.MaxInt64 {
			return 0, fmt.Errorf("int64 negative overflow")
		}
		return -1 - int64(extra), nil
	default:
		return 0, fmt.Errorf("wrong type for int64 field: %d", maj)
	}
}

// Bytes reads a byte string.
func (cr *Reader) Bytes() ([]byte, error) {
	return cbg.ReadByteArray(cr.r, cbg.ByteArrayMaxLen)
}

// String reads a text string.
func (cr *Reader) String() (string, error) {
	maj, extra, err := cr.header()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("expected text string")
	}
	if extra > cbg.MaxLength {
		return "", fmt.Errorf("string too long (%d)", extra)
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Cid reads a tagged link.
func (cr *Reader) Cid() (cid.Cid, error) {
	return cbg.ReadCid(cr.r)
}

// Cids reads an array of links.
func (cr *Reader) Cids() ([]cid.Cid, error) {
	n, err := cr.ArrayLen(cbg.MaxLength)
	if err != nil {
		return nil, err
	}
	out := make([]cid.Cid, n)
	for i := range out {
		if out[i], err = cr.Cid(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Bool reads a CBOR simple boolean.
func (cr *Reader) Bool() (bool, error) {
	maj, extra, err := cr.header()
	if err != nil {
		return false, err
	}
	if maj != cbg.MajOther {
		return false, fmt.Errorf("booleans must be major type 7")
	}
	switch extra {
	case 20:
		return false, nil
	case 21:
		return true, nil
	default:
		return false, fmt.Errorf("booleans are either major type 7, value 20 or 21 (got %d)", extra)
	}
}

// Object delegates to a nested unmarshaler.
func (cr *Reader) Object(u cbg.CBORUnmarshaler) error {
	return u.UnmarshalCBOR(cr.r)
}

// Null consumes a CBOR null if one is next and reports whether it did.
func (cr *Reader) Null() (bool, error) {
	b, err := cr.r.ReadByte()
	if err != nil {
		return false, err
	}
	if b == cbg.CborNull[0] {
		return true, nil
	}
	return false, cr.r.UnreadByte()
}

// Deferred reads one raw CBOR item.
func (cr *Reader) Deferred() (*cbg.Deferred, error) {
	d := new(cbg.Deferred)
	if err := d.UnmarshalCBOR(cr.r); err != nil {
		return nil, err
	}
	return d, nil
}

// Dump marshals m into a fresh byte slice.
func Dump(m cbg.CBORMarshaler) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load unmarshals raw into u and rejects trailing bytes.
func Load(raw []byte, u cbg.CBORUnmarshaler) error {
	r := bytes.NewReader(raw)
	if err := u.UnmarshalCBOR(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after %T", r.Len(), u)
	}
	return nil
}
