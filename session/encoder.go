package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
)

const (
	bagFormatVersionCurrent = 2
	bagFormatVersionV1      = 1

	maxKeyLen   = 255
	maxValueLen = 1 << 20
)

// ErrCorrupt is returned when a stored bag cannot be decoded.
var ErrCorrupt = errors.New("session data corrupt")

// Record is the decoded form of a stored bag.
type Record struct {
	Values    map[string]string
	CreatedAt int64
	UpdatedAt int64
}

// Encode renders r in the current binary format. Keys are written in sorted
// order so equal records encode to equal bytes.
//
// Layout (v2): version byte, created-at and updated-at as big-endian int64,
// entry count as uvarint, then per entry a one-byte key length, the key, a
// uvarint value length and the value.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(bagFormatVersionCurrent)

	if err := binary.Write(&buf, binary.BigEndian, r.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.UpdatedAt); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var scratch [binary.MaxVarintLen64]byte
	buf.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(keys)))])

	for _, k := range keys {
		v := r.Values[k]
		if k == "" || len(k) > maxKeyLen {
			return nil, errors.New("session key length out of range")
		}
		if len(v) > maxValueLen {
			return nil, errors.New("session value too large")
		}
		buf.WriteByte(byte(len(k)))
		buf.WriteString(k)
		buf.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(v)))])
		buf.WriteString(v)
	}

	return buf.Bytes(), nil
}

// Decode parses a stored bag. Version 1 records carry no timestamps and are
// migrated on read with zero times.
func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrCorrupt
	}
	if version != bagFormatVersionCurrent && version != bagFormatVersionV1 {
		return nil, errors.New("invalid session version")
	}

	r := &Record{}
	if version == bagFormatVersionCurrent {
		if err := binary.Read(reader, binary.BigEndian, &r.CreatedAt); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(reader, binary.BigEndian, &r.UpdatedAt); err != nil {
			return nil, ErrCorrupt
		}
	}

	count, err := binary.ReadUvarint(reader)
	if err != nil || count > uint64(reader.Len()) {
		return nil, ErrCorrupt
	}

	r.Values = make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		keyLen, err := reader.ReadByte()
		if err != nil || keyLen == 0 {
			return nil, ErrCorrupt
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, key); err != nil {
			return nil, ErrCorrupt
		}

		valueLen, err := binary.ReadUvarint(reader)
		if err != nil || valueLen > uint64(reader.Len()) {
			return nil, ErrCorrupt
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(reader, value); err != nil {
			return nil, ErrCorrupt
		}
		r.Values[string(key)] = string(value)
	}

	if reader.Len() != 0 {
		return nil, ErrCorrupt
	}
	return r, nil
}
