package xjson

import (
	stdjson "encoding/json"
	"io"

	gjson "github.com/goccy/go-json"
)

// Single import site for JSON encoding. Callers never import encoding/json
// or goccy directly so the codec can be swapped in one place.

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) *gjson.Encoder {
	return gjson.NewEncoder(w)
}

func NewDecoder(r io.Reader) *gjson.Decoder {
	return gjson.NewDecoder(r)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return gjson.Valid(data)
}

// Number is encoding/json's Number; goccy decodes into it natively.
type Number = stdjson.Number

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
