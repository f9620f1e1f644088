package prefetch

import (
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// blobVersion is the shared-cache encoding version. Independent processes
// read each other's blobs, so the header is part of the cross-process
// contract: one version byte, one kind-tag byte, then snappy-compressed json.
const blobVersion = byte(1)

var kindTags = map[Kind]byte{
	KindNeurons:        1,
	KindValidators:     2,
	KindSubnetState:    3,
	KindBlockTimestamp: 4,
}

// encodeBlob serializes a cached value under the versioned header.
func encodeBlob(kind Kind, v interface{}) ([]byte, error) {
	tag, ok := kindTags[kind]
	if !ok {
		return nil, errors.Errorf("unknown datum kind %q", kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal cache value")
	}
	return append([]byte{blobVersion, tag}, snappy.Encode(nil, raw)...), nil
}

// decodeBlob deserializes a cached value, verifying the header matches the
// requested kind.
func decodeBlob(kind Kind, blob []byte, dst interface{}) error {
	if len(blob) < 2 {
		return errors.New("cache blob too short")
	}
	if blob[0] != blobVersion {
		return errors.Errorf("unsupported cache blob version %d", blob[0])
	}
	if blob[1] != kindTags[kind] {
		return errors.Errorf("cache blob kind tag %d does not match %q", blob[1], kind)
	}
	raw, err := snappy.Decode(nil, blob[2:])
	if err != nil {
		return errors.Wrap(err, "could not decompress cache blob")
	}
	return errors.Wrap(json.Unmarshal(raw, dst), "could not unmarshal cache blob")
}
