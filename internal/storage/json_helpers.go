package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zatdb/zatdb/internal/codec"
)

// ValueJSON is the wire shape a codec.Value takes in the CLI's JSON
// output: a tag name plus whichever scalar field applies, so a caller
// never has to know the union's internal field layout.
type ValueJSON struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// normalizeValue converts a codec.Value into a JSON-friendly shape,
// formatting refs as entity ids, instants as RFC3339, uuid/bytes as
// their string/base64 forms.
func normalizeValue(v codec.Value) ValueJSON {
	switch v.Tag {
	case codec.TagNil:
		return ValueJSON{Type: "nil", Value: nil}
	case codec.TagBool:
		return ValueJSON{Type: "boolean", Value: v.Bool}
	case codec.TagInt:
		return ValueJSON{Type: "long", Value: v.Int}
	case codec.TagFloat:
		return ValueJSON{Type: "double", Value: v.Float}
	case codec.TagString:
		return ValueJSON{Type: "string", Value: v.AsString()}
	case codec.TagKeyword:
		return ValueJSON{Type: "keyword", Value: v.AsString()}
	case codec.TagRef:
		return ValueJSON{Type: "ref", Value: v.Ref}
	case codec.TagInstant:
		return ValueJSON{Type: "instant", Value: time.UnixMicro(v.Instant).UTC().Format(time.RFC3339Nano)}
	case codec.TagUUID:
		return ValueJSON{Type: "uuid", Value: v.UUID.String()}
	case codec.TagBytes:
		return ValueJSON{Type: "bytes", Value: base64.StdEncoding.EncodeToString(v.Bytes)}
	default:
		return ValueJSON{Type: fmt.Sprintf("Tag(%d)", uint8(v.Tag)), Value: nil}
	}
}

// MarshalValueJSON marshals a single codec.Value to its JSON wire form.
func MarshalValueJSON(v codec.Value) ([]byte, error) {
	return json.Marshal(normalizeValue(v))
}

// DatomJSON is one datom rendered for CLI/API output.
type DatomJSON struct {
	E  uint64    `json:"e"`
	A  uint64    `json:"a"`
	V  ValueJSON `json:"v"`
	Tx uint64    `json:"tx"`
	Op bool      `json:"op"`
}

// NewDatomJSON builds the JSON-friendly form of one datom.
func NewDatomJSON(e, a uint64, v codec.Value, tx uint64, op bool) DatomJSON {
	return DatomJSON{E: e, A: a, V: normalizeValue(v), Tx: tx, Op: op}
}
