package bridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

func encodeCBOR(v interface{}) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bridge: encoding: %w", err)
	}
	return data, nil
}

func decodeCBOR(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bridge: decoding: %w", err)
	}
	return nil
}
