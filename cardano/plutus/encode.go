package plutus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	majorBytes = 2
	majorArray = 4
	majorMap   = 5

	indefiniteBytes = 0x5f
	indefiniteArray = 0x9f
	breakByte       = 0xff

	chunkSize = 64

	tagConstrGeneral = 102
)

// ErrNilData is returned when a nil value is encountered while encoding.
var ErrNilData = errors.New("plutus: nil data")

var encMode = func() cbor.EncMode {
	mode, err := cbor.EncOptions{BigIntConvert: cbor.BigIntConvertShortest}.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode serialises a Plutus data value to CBOR.
func Encode(d Data) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for statically known values; it panics on error.
func MustEncode(d Data) []byte {
	out, err := Encode(d)
	if err != nil {
		panic(err)
	}
	return out
}

func encodeTo(buf *bytes.Buffer, d Data) error {
	switch v := d.(type) {
	case Constr:
		return encodeConstr(buf, v)
	case Int:
		if v.Value == nil {
			return ErrNilData
		}
		out, err := encMode.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("plutus: encode int: %w", err)
		}
		buf.Write(out)
		return nil
	case Bytes:
		return encodeBytes(buf, v)
	case List:
		return encodeArray(buf, v)
	case Map:
		writeHead(buf, majorMap, uint64(len(v)))
		for _, pair := range v {
			if err := encodeTo(buf, pair.Key); err != nil {
				return err
			}
			if err := encodeTo(buf, pair.Value); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return ErrNilData
	default:
		return fmt.Errorf("plutus: unsupported data type %T", d)
	}
}

func encodeConstr(buf *bytes.Buffer, c Constr) error {
	var fields bytes.Buffer
	if err := encodeArray(&fields, c.Fields); err != nil {
		return err
	}
	tag, general := constrTag(c.Index)
	content := fields.Bytes()
	if general {
		var wrapped bytes.Buffer
		writeHead(&wrapped, majorArray, 2)
		index, err := encMode.Marshal(c.Index)
		if err != nil {
			return fmt.Errorf("plutus: encode constructor index: %w", err)
		}
		wrapped.Write(index)
		wrapped.Write(content)
		content = wrapped.Bytes()
	}
	out, err := encMode.Marshal(cbor.RawTag{Number: tag, Content: cbor.RawMessage(content)})
	if err != nil {
		return fmt.Errorf("plutus: encode constructor: %w", err)
	}
	buf.Write(out)
	return nil
}

func encodeArray(buf *bytes.Buffer, items []Data) error {
	if len(items) == 0 {
		writeHead(buf, majorArray, 0)
		return nil
	}
	buf.WriteByte(indefiniteArray)
	for _, item := range items {
		if err := encodeTo(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(breakByte)
	return nil
}

func encodeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) <= chunkSize {
		writeHead(buf, majorBytes, uint64(len(b)))
		buf.Write(b)
		return nil
	}
	buf.WriteByte(indefiniteBytes)
	for start := 0; start < len(b); start += chunkSize {
		end := start + chunkSize
		if end > len(b) {
			end = len(b)
		}
		writeHead(buf, majorBytes, uint64(end-start))
		buf.Write(b[start:end])
	}
	buf.WriteByte(breakByte)
	return nil
}

// constrTag returns the CBOR tag for a constructor index and whether the
// general tag 102 form is required.
func constrTag(index uint64) (uint64, bool) {
	switch {
	case index <= 6:
		return 121 + index, false
	case index <= 127:
		return 1280 + index - 7, false
	default:
		return tagConstrGeneral, true
	}
}

func writeHead(buf *bytes.Buffer, major byte, n uint64) {
	m := major << 5
	switch {
	case n < 24:
		buf.WriteByte(m | byte(n))
	case n <= 0xff:
		buf.WriteByte(m | 24)
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(m | 25)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(n))
		buf.Write(tmp[:])
	case n <= 0xffffffff:
		buf.WriteByte(m | 26)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(n))
		buf.Write(tmp[:])
	default:
		buf.WriteByte(m | 27)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], n)
		buf.Write(tmp[:])
	}
}
