package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PackKVs serializes a flat string map as a count followed by
// length-prefixed key/value pairs.
func PackKVs(kvs map[string]string) []byte {
	size := 4
	for k, v := range kvs {
		size += 8 + len(k) + len(v)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(kvs)))
	for k, v := range kvs {
		buf = appendString(buf, k)
		buf = appendString(buf, v)
	}
	return buf
}

func UnpackKVs(data []byte) (map[string]string, error) {
	if len(data) < 4 {
		return nil, errors.New("key/value payload truncated")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	kvs := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		var k, v string
		var err error
		if k, data, err = readString(data); err != nil {
			return nil, errors.Wrapf(err, "reading key %d", i)
		}
		if v, data, err = readString(data); err != nil {
			return nil, errors.Wrapf(err, "reading value for %q", k)
		}
		kvs[k] = v
	}
	if len(data) != 0 {
		return nil, errors.Errorf("%d trailing bytes after key/value payload", len(data))
	}
	return kvs, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, errors.New("length prefix truncated")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, errors.Errorf("string of declared length %d truncated", n)
	}
	return string(data[:n]), data[n:], nil
}
