package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

const (
	recordFormatVersionCurrent = 1

	maxIDLength  = math.MaxUint16
	maxKeyLength = math.MaxUint16
)

// CurrentSchemaVersion is the version byte written by Encode.
const CurrentSchemaVersion = recordFormatVersionCurrent

// ErrUnsupportedSchema is returned by Decode for unknown version bytes.
var ErrUnsupportedSchema = errors.New("unsupported session schema version")

// ErrCorruptRecord is returned by Decode for truncated or inconsistent blobs.
var ErrCorruptRecord = errors.New("corrupt session record")

// Encode serializes rec into the binary record format. Attribute values are
// encoded with codec; attributes are written in key order.
func Encode(rec *Record, codec Codec) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordFormatVersionCurrent)

	if len(rec.ID) > maxIDLength {
		return nil, errors.New("session id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.ID))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.ID)

	for _, v := range []int64{
		rec.CreationTime.UnixMilli(),
		rec.LastAccessedTime.UnixMilli(),
		int64(rec.MaxInactiveInterval),
	} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(rec.Attributes))
	for k, v := range rec.Attributes {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(keys))); err != nil {
		return nil, err
	}

	for _, k := range keys {
		if len(k) > maxKeyLength {
			return nil, fmt.Errorf("attribute name too long: %d bytes", len(k))
		}
		value, err := codec.Marshal(rec.Attributes[k])
		if err != nil {
			return nil, fmt.Errorf("encode attribute %q: %w", k, err)
		}
		if uint64(len(value)) > math.MaxUint32 {
			return nil, fmt.Errorf("attribute %q too large", k)
		}

		if err := binary.Write(&buf, binary.BigEndian, uint16(len(k))); err != nil {
			return nil, err
		}
		buf.WriteString(k)
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(value))); err != nil {
			return nil, err
		}
		buf.Write(value)
	}

	return buf.Bytes(), nil
}

// Decode parses a blob written by Encode.
func Decode(data []byte, codec Codec) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if version != recordFormatVersionCurrent {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, version)
	}

	id, err := readString16(reader)
	if err != nil {
		return nil, err
	}

	var created, accessed, maxInactive int64
	for _, dst := range []*int64{&created, &accessed, &maxInactive} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	}

	var count uint32
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	// Each attribute needs at least 6 header bytes.
	if uint64(count)*6 > uint64(reader.Len()) {
		return nil, fmt.Errorf("%w: attribute count %d exceeds payload", ErrCorruptRecord, count)
	}

	rec := &Record{
		ID:                  id,
		CreationTime:        time.UnixMilli(created),
		LastAccessedTime:    time.UnixMilli(accessed),
		MaxInactiveInterval: time.Duration(maxInactive),
		Attributes:          make(map[string]any, count),
	}

	for i := uint32(0); i < count; i++ {
		key, err := readString16(reader)
		if err != nil {
			return nil, err
		}

		var size uint32
		if err := binary.Read(reader, binary.BigEndian, &size); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if uint64(size) > uint64(reader.Len()) {
			return nil, fmt.Errorf("%w: attribute %q truncated", ErrCorruptRecord, key)
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}

		value, err := codec.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", key, err)
		}
		if value != nil {
			rec.Attributes[key] = value
		}
	}

	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, reader.Len())
	}

	return rec, nil
}

func readString16(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if int(n) > reader.Len() {
		return "", fmt.Errorf("%w: string truncated", ErrCorruptRecord)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return string(b), nil
}
