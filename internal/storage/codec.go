package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxValueLen bounds the declared length of a single value. Anything larger is
// treated as a damaged length field rather than allocated
const MaxValueLen = 1 << 30

// Responsible for encoding and decoding records sent to and retrieved
// from segment files
type Codec struct{}

// Encoding record format:
// - key (uint64, native byte order == 8 bytes)
// - value length in bytes (uint64, native byte order == 8 bytes)
// - value
//
// There is no file header, footer, checksum or delimiter. A segment file is a plain
// concatenation of records.

// Encode encodes the provided record and returns a byte array ready to be appended
// to a segment file
func (c *Codec) Encode(record *Record) []byte {
	return c.AppendEncoded(make([]byte, 0, record.EncodedLen()), record)
}

// AppendEncoded appends the encoded form of record to buf and returns the extended
// buffer. Used to batch many records into a single write
func (c *Codec) AppendEncoded(buf []byte, record *Record) []byte {
	buf = binary.NativeEndian.AppendUint64(buf, record.Key)
	buf = binary.NativeEndian.AppendUint64(buf, uint64(len(record.Value)))
	return append(buf, record.Value...)
}

// DecodeHeader reads the key and value length fields of the next record in reader.
// io.EOF is returned untouched when the reader is exhausted before the first byte
// of the key. Any other short read means the record was cut off mid header and
// results in an error wrapping ErrCorruptSegment
func (c *Codec) DecodeHeader(reader io.Reader) (uint64, uint64, error) {
	var header [HeaderLen]byte

	if _, err := io.ReadFull(reader, header[:8]); err == io.EOF {
		return 0, 0, io.EOF
	} else if err == io.ErrUnexpectedEOF {
		return 0, 0, fmt.Errorf("%w: truncated key field", ErrCorruptSegment)
	} else if err != nil {
		return 0, 0, fmt.Errorf("failed to read key: %w", err)
	}

	if _, err := io.ReadFull(reader, header[8:]); errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, 0, fmt.Errorf("%w: truncated value length field", ErrCorruptSegment)
	} else if err != nil {
		return 0, 0, fmt.Errorf("failed to read value length: %w", err)
	}

	return binary.NativeEndian.Uint64(header[:8]), binary.NativeEndian.Uint64(header[8:]), nil
}

// CheckValueLen rejects a declared value length larger than MaxValueLen
func (c *Codec) CheckValueLen(valueLen uint64) error {
	if valueLen > MaxValueLen {
		return fmt.Errorf("%w: implausible value length %d", ErrCorruptSegment, valueLen)
	}

	return nil
}

// DecodeFromReader decodes the next record in reader. Returns io.EOF when there are
// no more records
func (c *Codec) DecodeFromReader(reader io.Reader) (*Record, error) {
	key, valueLen, err := c.DecodeHeader(reader)
	if err != nil {
		return nil, err
	}

	if err := c.CheckValueLen(valueLen); err != nil {
		return nil, err
	}

	value := make([]byte, valueLen)
	if n, err := io.ReadFull(reader, value); errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: value truncated. read=%d, expected=%d", ErrCorruptSegment, n, valueLen)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}

	return NewRecord(key, value), nil
}

// DecodeAt decodes the record starting at offset. Never reads past the declared
// value length
func (c *Codec) DecodeAt(reader io.ReaderAt, offset int64) (*Record, error) {
	return c.DecodeFromReader(io.NewSectionReader(reader, offset, maxSection(offset)))
}

// SkipValue discards the value of a record whose header has just been read. Used
// when scanning a segment for keys only
func (c *Codec) SkipValue(reader io.Reader, valueLen uint64) error {
	if err := c.CheckValueLen(valueLen); err != nil {
		return err
	}

	if n, err := io.CopyN(io.Discard, reader, int64(valueLen)); err == io.EOF {
		return fmt.Errorf("%w: value truncated. read=%d, expected=%d", ErrCorruptSegment, n, valueLen)
	} else if err != nil {
		return fmt.Errorf("failed to skip value: %w", err)
	}

	return nil
}

func maxSection(offset int64) int64 {
	return 1<<63 - 1 - offset
}
