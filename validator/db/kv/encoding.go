package kv

import (
	"encoding/binary"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encode serializes a value as snappy-compressed json.
func encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, errors.New("cannot encode nil value")
	}
	enc, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal value")
	}
	return snappy.Encode(nil, enc), nil
}

// decode deserializes snappy-compressed json into dst.
func decode(data []byte, dst interface{}) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return errors.Wrap(err, "could not decompress value")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrap(err, "could not unmarshal value")
	}
	return nil
}

func uint64Key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func int64Key(v int64) []byte {
	// Offset so negative values still sort before positive ones.
	return uint64Key(uint64(v) + (1 << 63))
}

func keyToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) - (1 << 63))
}
