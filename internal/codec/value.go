// Package codec implements the tag-prefixed, bytewise-sortable binary
// encoding for ZatDB's value union (component C1 of the storage core).
//
// Every encoded value is one tag byte followed by a type-specific
// payload. Plain lexicographic comparison of the encoded bytes
// reproduces the value's semantic order — this is what lets every
// index (C7) use a single composite-key comparator instead of
// decoding values on every B+ tree descent.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Tag identifies the type of an encoded Value. Tag order is the
// cross-type sort order required by the spec: nil < bool < i64 < f64
// < string < keyword < ref < instant < uuid < bytes.
type Tag uint8

const (
	TagNil Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagKeyword
	TagRef
	TagInstant
	TagUUID
	TagBytes
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagBool:
		return "bool"
	case TagInt:
		return "i64"
	case TagFloat:
		return "f64"
	case TagString:
		return "string"
	case TagKeyword:
		return "keyword"
	case TagRef:
		return "ref"
	case TagInstant:
		return "instant"
	case TagUUID:
		return "uuid"
	case TagBytes:
		return "bytes"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Value is ZatDB's tagged value union. Only the field matching Tag is
// meaningful. Str and Bytes are not copied by Decode — they reference
// the input buffer directly (zero-copy), so they are only valid as
// long as that buffer is (e.g. for an mmap-backed read, until the
// next remap).
type Value struct {
	Tag     Tag
	Bool    bool
	Int     int64
	Float   float64
	Ref     uint64 // entity id, for TagRef
	Instant int64  // microseconds since Unix epoch, for TagInstant
	UUID    uuid.UUID
	Str     []byte // TagString / TagKeyword payload
	Bytes   []byte // TagBytes payload
}

// Constructors for the common cases.

func Nil() Value                  { return Value{Tag: TagNil} }
func Bool(b bool) Value           { return Value{Tag: TagBool, Bool: b} }
func Int(v int64) Value           { return Value{Tag: TagInt, Int: v} }
func Float(v float64) Value       { return Value{Tag: TagFloat, Float: v} }
func String(s string) Value       { return Value{Tag: TagString, Str: []byte(s)} }
func Keyword(s string) Value      { return Value{Tag: TagKeyword, Str: []byte(s)} }
func Ref(id uint64) Value         { return Value{Tag: TagRef, Ref: id} }
func Instant(us int64) Value      { return Value{Tag: TagInstant, Instant: us} }
func UUIDValue(u uuid.UUID) Value { return Value{Tag: TagUUID, UUID: u} }
func Bytes(b []byte) Value        { return Value{Tag: TagBytes, Bytes: b} }

// AsString returns the decoded string payload (copies Str).
func (v Value) AsString() string { return string(v.Str) }

// ── Sizing ───────────────────────────────────────────────────────────────

// fixedPayloadSize returns the payload size for fixed-width tags, or
// -1 for variable-length tags.
func fixedPayloadSize(t Tag) int {
	switch t {
	case TagNil:
		return 0
	case TagBool:
		return 1
	case TagInt, TagFloat, TagRef, TagInstant:
		return 8
	case TagUUID:
		return 16
	default:
		return -1
	}
}

// EncodedSize returns the number of bytes Encode will write for v.
func EncodedSize(v Value) int {
	if n := fixedPayloadSize(v.Tag); n >= 0 {
		return 1 + n
	}
	return 1 + 4 + len(variablePayload(v))
}

func variablePayload(v Value) []byte {
	switch v.Tag {
	case TagString, TagKeyword:
		return v.Str
	case TagBytes:
		return v.Bytes
	default:
		return nil
	}
}

// ── Encode ───────────────────────────────────────────────────────────────

const signBit = uint64(1) << 63

// canonicalFloat maps every NaN to a single bit pattern and -0.0 to
// +0.0, so encode/compare/decode agree on one NaN and one zero.
func canonicalFloat(f float64) float64 {
	if math.IsNaN(f) {
		return math.NaN()
	}
	if f == 0 {
		return 0
	}
	return f
}

// encodeIntBits produces the order-preserving transform for a signed
// 64-bit integer: flip the sign bit so that, compared as unsigned
// big-endian bytes, negative values sort before non-negative ones.
func encodeIntBits(v int64) uint64 {
	return uint64(v) ^ signBit
}

func decodeIntBits(bits uint64) int64 {
	return int64(bits ^ signBit)
}

// encodeFloatBits produces the order-preserving transform for IEEE-754
// float64: for non-negative numbers, set the sign bit; for negative
// numbers, invert every bit. This yields a total order under unsigned
// big-endian byte comparison matching IEEE float order (with a single
// canonical NaN and zero).
func encodeFloatBits(f float64) uint64 {
	f = canonicalFloat(f)
	bits := math.Float64bits(f)
	if bits>>63 == 1 {
		return ^bits
	}
	return bits | signBit
}

func decodeFloatBits(bits uint64) float64 {
	if bits>>63 == 1 {
		return math.Float64frombits(bits &^ signBit)
	}
	return math.Float64frombits(^bits)
}

// Encode serializes v into out, which must be at least EncodedSize(v)
// bytes. Returns the number of bytes written.
func Encode(v Value, out []byte) int {
	need := EncodedSize(v)
	if len(out) < need {
		panic("codec: out buffer too small")
	}
	out[0] = byte(v.Tag)
	switch v.Tag {
	case TagNil:
		return 1
	case TagBool:
		if v.Bool {
			out[1] = 1
		} else {
			out[1] = 0
		}
		return 2
	case TagInt:
		binary.BigEndian.PutUint64(out[1:9], encodeIntBits(v.Int))
		return 9
	case TagFloat:
		binary.BigEndian.PutUint64(out[1:9], encodeFloatBits(v.Float))
		return 9
	case TagRef:
		binary.BigEndian.PutUint64(out[1:9], v.Ref)
		return 9
	case TagInstant:
		binary.BigEndian.PutUint64(out[1:9], encodeIntBits(v.Instant))
		return 9
	case TagUUID:
		copy(out[1:17], v.UUID[:])
		return 17
	case TagString, TagKeyword, TagBytes:
		payload := variablePayload(v)
		binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
		copy(out[5:], payload)
		return 5 + len(payload)
	default:
		panic(fmt.Sprintf("codec: unknown tag %d", v.Tag))
	}
}

// AppendEncode is a convenience wrapper that allocates a fresh buffer.
func AppendEncode(v Value) []byte {
	out := make([]byte, EncodedSize(v))
	Encode(v, out)
	return out
}

// ── Decode ───────────────────────────────────────────────────────────────

// Decode parses one value from the start of buf. Variable-length
// payloads (string/keyword/bytes) reference buf directly — no copy.
// Returns the decoded value and the number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, fmt.Errorf("codec: empty buffer")
	}
	tag := Tag(buf[0])
	switch tag {
	case TagNil:
		return Value{Tag: TagNil}, 1, nil
	case TagBool:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("codec: truncated bool")
		}
		return Value{Tag: TagBool, Bool: buf[1] != 0}, 2, nil
	case TagInt:
		if len(buf) < 9 {
			return Value{}, 0, fmt.Errorf("codec: truncated i64")
		}
		bits := binary.BigEndian.Uint64(buf[1:9])
		return Value{Tag: TagInt, Int: decodeIntBits(bits)}, 9, nil
	case TagFloat:
		if len(buf) < 9 {
			return Value{}, 0, fmt.Errorf("codec: truncated f64")
		}
		bits := binary.BigEndian.Uint64(buf[1:9])
		return Value{Tag: TagFloat, Float: decodeFloatBits(bits)}, 9, nil
	case TagRef:
		if len(buf) < 9 {
			return Value{}, 0, fmt.Errorf("codec: truncated ref")
		}
		return Value{Tag: TagRef, Ref: binary.BigEndian.Uint64(buf[1:9])}, 9, nil
	case TagInstant:
		if len(buf) < 9 {
			return Value{}, 0, fmt.Errorf("codec: truncated instant")
		}
		bits := binary.BigEndian.Uint64(buf[1:9])
		return Value{Tag: TagInstant, Instant: decodeIntBits(bits)}, 9, nil
	case TagUUID:
		if len(buf) < 17 {
			return Value{}, 0, fmt.Errorf("codec: truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], buf[1:17])
		return Value{Tag: TagUUID, UUID: u}, 17, nil
	case TagString, TagKeyword, TagBytes:
		if len(buf) < 5 {
			return Value{}, 0, fmt.Errorf("codec: truncated length prefix")
		}
		n := int(binary.BigEndian.Uint32(buf[1:5]))
		if len(buf) < 5+n {
			return Value{}, 0, fmt.Errorf("codec: truncated payload: need %d have %d", n, len(buf)-5)
		}
		payload := buf[5 : 5+n]
		switch tag {
		case TagString:
			return Value{Tag: TagString, Str: payload}, 5 + n, nil
		case TagKeyword:
			return Value{Tag: TagKeyword, Str: payload}, 5 + n, nil
		default:
			return Value{Tag: TagBytes, Bytes: payload}, 5 + n, nil
		}
	default:
		return Value{}, 0, fmt.Errorf("codec: unknown tag byte %d", tag)
	}
}

// EncodedLen returns the number of bytes a single encoded value
// occupies at the start of buf, without fully decoding it. Used to
// skip over one value when parsing concatenated composite keys.
func EncodedLen(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("codec: empty buffer")
	}
	tag := Tag(buf[0])
	if n := fixedPayloadSize(tag); n >= 0 {
		if len(buf) < 1+n {
			return 0, fmt.Errorf("codec: truncated %s", tag)
		}
		return 1 + n, nil
	}
	if tag != TagString && tag != TagKeyword && tag != TagBytes {
		return 0, fmt.Errorf("codec: unknown tag byte %d", tag)
	}
	if len(buf) < 5 {
		return 0, fmt.Errorf("codec: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(buf[1:5]))
	if len(buf) < 5+n {
		return 0, fmt.Errorf("codec: truncated payload")
	}
	return 5 + n, nil
}

// ── Compare ──────────────────────────────────────────────────────────────

// CompareEncoded compares two encoded values byte-for-byte, reproducing
// their semantic order without fully decoding either one. Tag order is
// compared first (cross-type order), then payload.
//
// Variable-length payloads carry a 4-byte length prefix but are
// compared by payload bytes only — including the prefix in the
// comparison would order values by length first, so "b" would sort
// before "ab", which breaks ordinary lexicographic string order.
func CompareEncoded(a, b []byte) int {
	if len(a) == 0 || len(b) == 0 {
		panic("codec: cannot compare empty buffer")
	}
	if a[0] != b[0] {
		if a[0] < b[0] {
			return -1
		}
		return 1
	}
	tag := Tag(a[0])
	if n := fixedPayloadSize(tag); n >= 0 {
		return compareBytes(a[1:1+n], b[1:1+n])
	}
	la := int(binary.BigEndian.Uint32(a[1:5]))
	lb := int(binary.BigEndian.Uint32(b[1:5]))
	return compareBytes(a[5:5+la], b[5:5+lb])
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
