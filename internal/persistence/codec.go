package persistence

import "encoding/json"

// EncodeValue serializes a value for storage. Nil encodes to nil so that
// absent payloads round-trip as absent.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue deserializes data produced by EncodeValue. Empty data yields
// the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
