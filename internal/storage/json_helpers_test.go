package storage

import (
	"encoding/json"
	"testing"

	"github.com/zatdb/zatdb/internal/codec"
)

func TestMarshalValueJSON_String(t *testing.T) {
	b, err := MarshalValueJSON(codec.String("hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ValueJSON
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "string" || got.Value != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestMarshalValueJSON_Ref(t *testing.T) {
	b, _ := MarshalValueJSON(codec.Ref(42))
	var got ValueJSON
	json.Unmarshal(b, &got)
	if got.Type != "ref" {
		t.Fatalf("type: got %s", got.Type)
	}
	if n, ok := got.Value.(float64); !ok || uint64(n) != 42 {
		t.Fatalf("value: got %+v", got.Value)
	}
}

func TestNewDatomJSON(t *testing.T) {
	d := NewDatomJSON(1, 2, codec.Bool(true), 3, true)
	if d.E != 1 || d.A != 2 || d.Tx != 3 || !d.Op || d.V.Type != "boolean" {
		t.Fatalf("got %+v", d)
	}
}
