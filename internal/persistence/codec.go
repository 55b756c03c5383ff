package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/7ama2004/synapse/pkg/api"
)

// EncodeValue serializes a value using encoding/gob.
// Interface values nested inside v (handler outputs, run inputs) must have
// their concrete types registered with gob.Register.
func EncodeValue[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes data produced by EncodeValue for the same T.
// Empty data decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func encodeResult(res *api.ExecutionResult) ([]byte, error) {
	return EncodeValue(*res)
}

func decodeResult(data []byte) (*api.ExecutionResult, error) {
	res, err := DecodeValue[api.ExecutionResult](data)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func encodeDefinition(def api.Definition) ([]byte, error) {
	return EncodeValue(def)
}

func decodeDefinition(data []byte) (api.Definition, error) {
	return DecodeValue[api.Definition](data)
}

// cloneResult returns a deep copy of res by round-tripping it through the
// codec, so stored results never alias caller-owned maps.
func cloneResult(res *api.ExecutionResult) (*api.ExecutionResult, error) {
	data, err := encodeResult(res)
	if err != nil {
		return nil, err
	}
	return decodeResult(data)
}
