// Package jsoncodec is the JSON codec used for payloads, replies and ops endpoints.
package jsoncodec

import (
	"errors"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

var errInvalidJSON = errors.New("payload is not valid JSON")

var null = []byte("null")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(Normalize(data), v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Valid reports whether data is a JSON document. An empty body counts as null.
func Valid(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	return defaultConfig.Valid(data)
}

// Normalize maps an empty body to the JSON null literal.
func Normalize(data []byte) []byte {
	if len(data) == 0 {
		return null
	}
	return data
}

// Check returns an error when data is not a JSON document.
func Check(data []byte) error {
	if !Valid(data) {
		return errInvalidJSON
	}
	return nil
}
