package plutus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

const maxDepth = 64

// ErrMalformed is returned for input that is not valid Plutus data.
var ErrMalformed = errors.New("plutus: malformed data")

var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		MaxNestedLevels: 2*maxDepth + 4,
		IndefLength:     cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Decode parses a single CBOR encoded Plutus data value. Trailing bytes,
// unknown tags and non Plutus major types are rejected.
func Decode(raw []byte) (Data, error) {
	d, rest, err := decodeItem(raw, 0)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return d, nil
}

func decodeItem(data []byte, depth int) (Data, []byte, error) {
	var raw cbor.RawMessage
	rest, err := decMode.UnmarshalFirst(data, &raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d, err := decodeRaw(raw, depth)
	if err != nil {
		return nil, nil, err
	}
	return d, rest, nil
}

func decodeRaw(raw []byte, depth int) (Data, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty item", ErrMalformed)
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting exceeds %d", ErrMalformed, maxDepth)
	}
	switch raw[0] >> 5 {
	case 0, 1:
		return decodeInt(raw)
	case majorBytes:
		var b []byte
		if err := decMode.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if b == nil {
			b = []byte{}
		}
		return Bytes(b), nil
	case majorArray:
		items, err := decodeArray(raw, depth)
		if err != nil {
			return nil, err
		}
		return List(items), nil
	case majorMap:
		return decodeMap(raw, depth)
	case 6:
		return decodeTag(raw, depth)
	default:
		return nil, fmt.Errorf("%w: unsupported major type %d", ErrMalformed, raw[0]>>5)
	}
}

func decodeInt(raw []byte) (Data, error) {
	n := new(big.Int)
	if err := decMode.Unmarshal(raw, n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Int{Value: n}, nil
}

func decodeTag(raw []byte, depth int) (Data, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case tag.Number == 2 || tag.Number == 3:
		return decodeInt(raw)
	case tag.Number >= 121 && tag.Number <= 127:
		return decodeConstrFields(tag.Number-121, tag.Content, depth)
	case tag.Number >= 1280 && tag.Number <= 1400:
		return decodeConstrFields(tag.Number-1280+7, tag.Content, depth)
	case tag.Number == tagConstrGeneral:
		parts, err := decodeRawArray(tag.Content)
		if err != nil {
			return nil, err
		}
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: general constructor needs 2 elements, got %d", ErrMalformed, len(parts))
		}
		var index uint64
		if err := decMode.Unmarshal(parts[0], &index); err != nil {
			return nil, fmt.Errorf("%w: constructor index: %v", ErrMalformed, err)
		}
		return decodeConstrFields(index, parts[1], depth)
	default:
		return nil, fmt.Errorf("%w: unsupported tag %d", ErrMalformed, tag.Number)
	}
}

func decodeConstrFields(index uint64, content []byte, depth int) (Data, error) {
	if len(content) == 0 || content[0]>>5 != majorArray {
		return nil, fmt.Errorf("%w: constructor %d fields must be an array", ErrMalformed, index)
	}
	fields, err := decodeArray(content, depth)
	if err != nil {
		return nil, err
	}
	return Constr{Index: index, Fields: fields}, nil
}

func decodeArray(raw []byte, depth int) ([]Data, error) {
	parts, err := decodeRawArray(raw)
	if err != nil {
		return nil, err
	}
	items := make([]Data, 0, len(parts))
	for _, part := range parts {
		item, err := decodeRaw(part, depth+1)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// decodeRawArray splits a complete array item into its raw elements.
func decodeRawArray(raw []byte) ([]cbor.RawMessage, error) {
	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parts, nil
}

func decodeMap(raw []byte, depth int) (Data, error) {
	count, body, indefinite, err := splitHead(raw)
	if err != nil {
		return nil, err
	}
	out := Map{}
	for i := uint64(0); indefinite || i < count; i++ {
		if indefinite && len(body) == 1 && body[0] == breakByte {
			body = body[1:]
			break
		}
		var key, value Data
		key, body, err = decodeItem(body, depth+1)
		if err != nil {
			return nil, err
		}
		value, body, err = decodeItem(body, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: key, Value: value})
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%w: map has %d unread bytes", ErrMalformed, len(body))
	}
	return out, nil
}

// splitHead parses the initial byte(s) of a container item and returns the
// element count, the remaining body and whether the item is indefinite.
func splitHead(raw []byte) (uint64, []byte, bool, error) {
	info := raw[0] & 0x1f
	switch {
	case info < 24:
		return uint64(info), raw[1:], false, nil
	case info == 24 && len(raw) >= 2:
		return uint64(raw[1]), raw[2:], false, nil
	case info == 25 && len(raw) >= 3:
		return uint64(binary.BigEndian.Uint16(raw[1:3])), raw[3:], false, nil
	case info == 26 && len(raw) >= 5:
		return uint64(binary.BigEndian.Uint32(raw[1:5])), raw[5:], false, nil
	case info == 27 && len(raw) >= 9:
		return binary.BigEndian.Uint64(raw[1:9]), raw[9:], false, nil
	case info == 31:
		return 0, raw[1:], true, nil
	default:
		return 0, nil, false, fmt.Errorf("%w: invalid container head 0x%02x", ErrMalformed, raw[0])
	}
}
